// Package migrations 内嵌 kv 存储的 SQL 迁移文件。守护进程启动时
// 由存储层按文件名顺序执行，也可供运维工具在外部初始化结构。
package migrations

import (
	"embed"
	"io/fs"
	"sort"
	"strings"
)

// Files 暴露全部 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS

// Statements 按文件名顺序返回全部迁移语句。每个文件只包含一条
// 语句，注释行与结尾分号会被剔除。
func Statements() ([]string, error) {
	entries, err := fs.ReadDir(Files, ".")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	statements := make([]string, 0, len(names))
	for _, name := range names {
		raw, err := Files.ReadFile(name)
		if err != nil {
			return nil, err
		}
		var lines []string
		for _, line := range strings.Split(string(raw), "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "--") {
				continue
			}
			lines = append(lines, line)
		}
		stmt := strings.TrimSpace(strings.Join(lines, "\n"))
		stmt = strings.TrimSuffix(stmt, ";")
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements, nil
}
