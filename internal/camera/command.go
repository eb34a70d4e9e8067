package camera

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// recordingDirPerm は録画ディレクトリのパーミッション
const recordingDirPerm os.FileMode = 0o775

var months = [...]string{"Jan", "Feb", "Mar", "Apr", "May", "Jun", "Jul", "Aug", "Sep", "Oct", "Nov", "Dec"}

// SessionTag は作成時刻からセッションタグを生成する
// 日（ゼロ埋めなし）+ 月の英略称 + 時 + 分 の連結。例: 8Oct95
func SessionTag(t time.Time) string {
	return strconv.Itoa(t.Day()) + months[t.Month()-1] + strconv.Itoa(t.Hour()) + strconv.Itoa(t.Minute())
}

// ModeInputs はモード判定の入力
type ModeInputs struct {
	Mock     bool   // モックモード
	External bool   // 外部カメラモード（プロセス全体の切り替え）
	Serial   string // シリアル番号
	Record   bool   // 録画の有無
}

// ResolveMode は入力から動作モードを一意に判定する
// モックが外部カメラより優先される
func ResolveMode(in ModeInputs) Mode {
	if in.Mock {
		return ModeMock
	}
	if !in.External {
		return ModeLocalUSBTLS
	}

	pilot := in.Serial == PilotSerial
	switch {
	case in.Record && pilot:
		return ModeExternalRecordPilot
	case in.Record:
		return ModeExternalRecordOther
	case pilot:
		return ModeExternalLivePilot
	default:
		return ModeExternalLiveOther
	}
}

// Paths は起動引数に埋め込む静的な設定
type Paths struct {
	Binary    string // mjpg_streamer の実行ファイル
	Niceness  int    // nice に渡す優先度
	WebRoot   string // output_http.so が配信する共有Webルート
	ImageRoot string // 録画ディレクトリの親
	CertPath  string // TLS証明書
	KeyPath   string // TLS秘密鍵
}

// CommandInput は1回の引数組み立てに必要な入力
type CommandInput struct {
	Mode     Mode
	Identity Identity
	Settings Settings
}

// Builder は mjpg_streamer の起動引数を組み立てる
//
// 値の検証は行わない。解像度・パス・ポートなどは与えられたとおりに埋め込むため、
// 不正な値を渡さないのは呼び出し側の責任となる。
type Builder struct {
	paths Paths
	dirs  DirMaker
}

// NewBuilder は新しいBuilderを作成する
func NewBuilder(paths Paths, dirs DirMaker) *Builder {
	if dirs == nil {
		dirs = OSDirMaker{}
	}
	return &Builder{paths: paths, dirs: dirs}
}

// Paths は組み立てに使う静的設定を返す
func (b *Builder) Paths() Paths {
	return b.paths
}

// Build は動作モードに応じた引数列を返す
// 外部カメラ系のモードでは録画ディレクトリを（存在しなければ）作成する
func (b *Builder) Build(in CommandInput) ([]string, error) {
	args := []string{"nice", "-n", strconv.Itoa(b.paths.Niceness), b.paths.Binary}

	switch in.Mode {
	case ModeMock:
		return append(args,
			"-i", b.uvcInput(in),
			"-o", wsOutput(in.Identity.Port),
		), nil

	case ModeLocalUSBTLS:
		return append(args,
			"-i", b.uvcInput(in),
			"-o", fmt.Sprintf("%s -s -c %s -k %s", wsOutput(in.Identity.Port), b.paths.CertPath, b.paths.KeyPath),
		), nil

	case ModeExternalRecordPilot, ModeExternalRecordOther, ModeExternalLivePilot, ModeExternalLiveOther:
		src, err := ParseExternalSource(in.Identity.DevicePath)
		if err != nil {
			return nil, err
		}

		recordDir, err := b.ensureRecordingDir(in.Identity)
		if err != nil {
			return nil, err
		}

		args = append(args, "-i", src.httpInput())
		switch in.Mode {
		case ModeExternalRecordPilot:
			args = append(args, "-o", wsOutput(in.Identity.Port), "-o", fileOutput(recordDir))
		case ModeExternalRecordOther:
			args = append(args, "-o", b.httpOutput(in.Identity.Port), "-o", fileOutput(recordDir))
		case ModeExternalLivePilot:
			args = append(args, "-o", wsOutput(in.Identity.Port))
		default:
			args = append(args, "-o", b.httpOutput(in.Identity.Port))
		}
		return args, nil

	default:
		return nil, fmt.Errorf("未知の動作モード: %q", in.Mode)
	}
}

// RecordingDir は録画ディレクトリのパスを返す
func (b *Builder) RecordingDir(id Identity) string {
	return filepath.Join(b.paths.ImageRoot, id.SessionTag, id.Serial)
}

// ensureRecordingDir はセッション単位とシリアル単位の2階層を作成する
func (b *Builder) ensureRecordingDir(id Identity) (string, error) {
	parent := filepath.Join(b.paths.ImageRoot, id.SessionTag)
	if err := b.dirs.MkdirIfAbsent(parent, recordingDirPerm); err != nil {
		return "", fmt.Errorf("録画ディレクトリ %s の作成に失敗: %w", parent, err)
	}

	child := filepath.Join(parent, id.Serial)
	if err := b.dirs.MkdirIfAbsent(child, recordingDirPerm); err != nil {
		return "", fmt.Errorf("録画ディレクトリ %s の作成に失敗: %w", child, err)
	}

	return child, nil
}

func (b *Builder) uvcInput(in CommandInput) string {
	return fmt.Sprintf("input_uvc.so -r %s -f %d -d %s", in.Settings.Resolution, in.Settings.Framerate, in.Identity.DevicePath)
}

func (b *Builder) httpOutput(port int) string {
	return fmt.Sprintf("output_http.so -p %d -w %s", port, b.paths.WebRoot)
}

func wsOutput(port int) string {
	return fmt.Sprintf("output_ws.so -p %d", port)
}

func fileOutput(dir string) string {
	return "output_file.so -f " + dir
}

// ExternalSource は外部カメラURLの構成要素
type ExternalSource struct {
	Host string
	Port string
	Path string
}

// ParseExternalSource はデバイスパスをURLとして解釈する
func ParseExternalSource(devicePath string) (ExternalSource, error) {
	u, err := url.Parse(devicePath)
	if err != nil {
		return ExternalSource{}, fmt.Errorf("外部カメラURLの解析に失敗 %q: %w", devicePath, err)
	}

	return ExternalSource{
		Host: u.Hostname(),
		Port: u.Port(),
		Path: u.RequestURI(),
	}, nil
}

func (s ExternalSource) httpInput() string {
	return fmt.Sprintf("input_http.so -p %s -H %s -u %s", s.Port, s.Host, s.Path)
}

// HostOf はデバイスパスをURLとして解釈したときのホスト名を返す
// 通常のデバイスパス（/dev/video0 など）では空文字列になる
func HostOf(devicePath string) string {
	u, err := url.Parse(devicePath)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// OSDirMaker はOSのファイルシステム上にディレクトリを作成する
type OSDirMaker struct{}

// MkdirIfAbsent はディレクトリが存在しない場合のみ作成する
func (OSDirMaker) MkdirIfAbsent(path string, perm os.FileMode) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%s はディレクトリではありません", path)
		}
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if err := os.Mkdir(path, perm); err != nil && !errors.Is(err, os.ErrExist) {
		return err
	}
	return nil
}
