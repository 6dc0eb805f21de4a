package app

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCommand はサポート外のサブコマンドが指定されたことを示す。
var ErrUnknownCommand = errors.New("unknown command")

// Command はloginproxyの起動モードを表す。
type Command string

const (
	// CommandServe はログインAPIとメトリクスエンドポイントを公開する。
	CommandServe Command = "serve"
	// CommandWorker はログイン台帳の保持期間クリーンアップを定期実行する。
	CommandWorker Command = "worker"
	// CommandMigrate はログイン台帳のスキーマを適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はローカルの/healthを叩いて終了コードで結果を返す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

var commands = []Command{CommandServe, CommandWorker, CommandMigrate, CommandHealthcheck}

// ParseCommand はコマンドライン引数の先頭からサブコマンドを解析する。
// 引数が空の場合はCommandServeを返す。
// 未知のサブコマンドはErrUnknownCommandを返す。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}

	name := strings.TrimSpace(args[0])
	for _, c := range commands {
		if string(c) == name {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w %q (available: %s)", ErrUnknownCommand, name, Usage())
}

// Usage は利用可能なサブコマンドの一覧を返す。
func Usage() string {
	names := make([]string, len(commands))
	for i, c := range commands {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}
