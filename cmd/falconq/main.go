package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 初始化並執行 CLI 命令
// 3. 處理頂層錯誤與 panic recovery
//
// 【簡潔原則】main.go 保持精簡，所有邏輯在 internal/cli。
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/falcon-queue/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "嚴重錯誤: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
