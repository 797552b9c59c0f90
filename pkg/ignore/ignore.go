package ignore

import (
	"os"
	"path/filepath"
	"slices"

	gitignore "github.com/sabhiram/go-gitignore"
)

// DefaultRules 是打包归档时总是跳过的文件
var DefaultRules = []string{
	// --- 常见垃圾文件 ---
	".DS_Store", // macOS
	"Thumbs.db", // Windows

	// --- 正在下载中的成员 ---
	"*.part",
}

// Matcher 判断构建目录中的某个文件是否应该被排除在归档之外
type Matcher struct {
	ignorer *gitignore.GitIgnore
}

// NewMatcher 初始化忽略匹配器
// workspacePath: 工作区根目录 (用于查找 .cvignore 文件)
// rules: 配置中的 archive.ignore，追加在 DefaultRules 之后 (可以用 "!name" 取消默认规则)
func NewMatcher(workspacePath string, rules ...string) (*Matcher, error) {
	rules = append(slices.Clone(DefaultRules), rules...)

	ignoreFilePath := filepath.Join(workspacePath, ".cvignore")
	if _, errStat := os.Stat(ignoreFilePath); errStat == nil {
		// 用户定义了 .cvignore: 文件内容和配置规则合并编译
		ignorer, err := gitignore.CompileIgnoreFileAndLines(ignoreFilePath, rules...)
		if err != nil {
			return nil, err
		}
		return &Matcher{ignorer: ignorer}, nil
	}
	return &Matcher{ignorer: gitignore.CompileIgnoreLines(rules...)}, nil
}

// Matches 返回 true 表示应该忽略
// name: 构建目录内的成员名 (归档是扁平的，没有子目录)
func (m *Matcher) Matches(name string) bool {
	if m == nil || m.ignorer == nil {
		return false
	}
	return m.ignorer.MatchesPath(name)
}
