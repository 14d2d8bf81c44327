package app

import (
	"flag"
	"fmt"
	"io"
	"strconv"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーとスケジューラーを起動することを示す。
	CommandServe Command = "serve"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandCheck は1コースを1回だけ取得して結果を出力することを示す。
	CommandCheck Command = "check"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "check":
		return CommandCheck
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}

// MigrateAction はmigrateサブコマンドの動作。
type MigrateAction string

const (
	MigrateUp      MigrateAction = "up"
	MigrateDown    MigrateAction = "down"
	MigrateVersion MigrateAction = "version"
)

// MigrateArgs はmigrateサブコマンドの引数。
type MigrateArgs struct {
	Action MigrateAction
	// Steps はdownで戻す件数。0の場合は全件。
	Steps int
}

// ParseMigrateArgs は "migrate [up|down [N]|version]" の引数を解析する。
// argsにはサブコマンド名を除いた残りを渡す。
func ParseMigrateArgs(args []string) (MigrateArgs, error) {
	if len(args) == 0 {
		return MigrateArgs{Action: MigrateUp}, nil
	}

	switch MigrateAction(args[0]) {
	case MigrateUp, MigrateVersion:
		if len(args) > 1 {
			return MigrateArgs{}, fmt.Errorf("migrate %s takes no arguments", args[0])
		}
		return MigrateArgs{Action: MigrateAction(args[0])}, nil
	case MigrateDown:
		out := MigrateArgs{Action: MigrateDown, Steps: 1}
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 0 {
				return MigrateArgs{}, fmt.Errorf("invalid step count: %q", args[1])
			}
			out.Steps = n
		}
		return out, nil
	default:
		return MigrateArgs{}, fmt.Errorf("unknown migrate action: %q", args[0])
	}
}

// CheckArgs はcheckサブコマンドの引数。
type CheckArgs struct {
	Term         string
	Subject      string
	CourseNumber string
	AllowStale   bool
}

// ParseCheckArgs は "check [--allow-stale] TERM SUBJECT COURSE" の引数を解析する。
func ParseCheckArgs(args []string, stderr io.Writer) (CheckArgs, error) {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	allowStale := fs.Bool("allow-stale", false, "上流障害時に期限切れのキャッシュを返す")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: seatwatch check [--allow-stale] TERM SUBJECT COURSE")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return CheckArgs{}, err
	}
	if fs.NArg() != 3 {
		fs.Usage()
		return CheckArgs{}, fmt.Errorf("check requires TERM SUBJECT COURSE, got %d argument(s)", fs.NArg())
	}

	return CheckArgs{
		Term:         fs.Arg(0),
		Subject:      fs.Arg(1),
		CourseNumber: fs.Arg(2),
		AllowStale:   *allowStale,
	}, nil
}
