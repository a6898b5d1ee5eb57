package app

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// NewRootCommand はbluecircleのコマンドツリーを構築する。
// ルートコマンドを引数なしで実行した場合はserveとして起動する。
// ログはwに出力する。
func NewRootCommand(w io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "bluecircle",
		Short: "bluecircle - 小さなソーシャルフィードのAPIサーバー",
		Long: `bluecircle はセッション管理、投稿フィード、プロフィールを提供するAPIサーバーです。

設定はすべて環境変数から読み込みます（DATABASE_URL, SESSION_SECRET, BASE_URL は必須）。`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return start(cmd.Context(), w, CommandServe)
		},
	}

	root.AddCommand(
		newModeCommand(w, CommandServe, "APIサーバーを起動する"),
		newModeCommand(w, CommandWorker, "期限切れセッションの削除と投稿カウンタの整合を定期実行する"),
		newModeCommand(w, CommandMigrate, "未適用のデータベースマイグレーションを適用する"),
		newHealthcheckCommand(),
	)

	return root
}

func newModeCommand(w io.Writer, mode Command, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(mode),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return start(cmd.Context(), w, mode)
		},
	}
}

// newHealthcheckCommand は設定を読み込まずに起動中のサーバーへ問い合わせる。
func newHealthcheckCommand() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   string(CommandHealthcheck),
		Short: "起動中のAPIサーバーの /health を確認する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHealthcheck(cmd.Context(), fmt.Sprintf("http://localhost:%s/health", port))
		},
	}

	defaultPort := os.Getenv("SERVER_PORT")
	if defaultPort == "" {
		defaultPort = "8080"
	}
	cmd.Flags().StringVar(&port, "port", defaultPort, "確認するAPIサーバーのポート")

	return cmd
}
