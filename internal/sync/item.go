package sync

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Instruction 定义一个条目需要执行的操作
type Instruction int

const (
	InstructionNone     Instruction = iota // 无操作
	InstructionRemove                      // 删除 (方向决定删除本地还是远端)
	InstructionMkdir                       // 创建目录
	InstructionUpload                      // 上传 (本地 -> 服务器)
	InstructionDownload                    // 下载 (服务器 -> 本地)
	InstructionRename                      // 重命名
	InstructionIgnore                      // 忽略
	InstructionRestore                     // 冲突后恢复：保留本地副本为冲突文件，再下载服务器版本
)

var instructionNames = []string{
	"none",
	"remove",
	"mkdir",
	"upload",
	"download",
	"rename",
	"ignore",
	"restore",
}

func (i Instruction) String() string {
	if i < 0 || int(i) >= len(instructionNames) {
		return fmt.Sprintf("instruction(%d)", int(i))
	}
	return instructionNames[i]
}

// ParseInstruction 将计划文件中的字符串转换为 Instruction
func ParseInstruction(s string) (Instruction, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range instructionNames {
		if name == s {
			return Instruction(i), nil
		}
	}
	if s == "" {
		return InstructionNone, nil
	}
	return InstructionNone, fmt.Errorf("未知的操作类型: %q", s)
}

func (i *Instruction) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseInstruction(value.Value)
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

func (i Instruction) MarshalYAML() (interface{}, error) {
	return i.String(), nil
}

// Direction 决定 remove/mkdir/rename 作用在哪一侧
type Direction int

const (
	DirectionNone Direction = iota
	DirectionDown           // 作用于本地 (服务器上的变化同步到本地)
	DirectionUp             // 作用于服务器 (本地的变化同步到服务器)
)

func (d Direction) String() string {
	switch d {
	case DirectionDown:
		return "down"
	case DirectionUp:
		return "up"
	default:
		return "none"
	}
}

// ParseDirection 将 "down"/"local"、"up"/"remote" 转换为 Direction
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return DirectionNone, nil
	case "down", "local":
		return DirectionDown, nil
	case "up", "remote":
		return DirectionUp, nil
	default:
		return DirectionNone, fmt.Errorf("未知的方向: %q", s)
	}
}

func (d *Direction) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseDirection(value.Value)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Direction) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// SyncItem 代表一个已经完成比对的文件级操作
// 传播期间只有 Status/ErrorString/HTTPCode 会被修改
type SyncItem struct {
	File         string      `yaml:"file"` // 相对路径 (统一使用 "/" 作为分隔符)
	RenameTarget string      `yaml:"rename_target,omitempty"`
	Instruction  Instruction `yaml:"instruction"`
	Direction    Direction   `yaml:"direction,omitempty"`
	IsDirectory  bool        `yaml:"is_dir,omitempty"`
	Size         int64       `yaml:"size,omitempty"`
	ModTime      time.Time   `yaml:"mtime,omitempty"`
	ETag         string      `yaml:"etag,omitempty"`

	// 以下由任务树在完成时填写
	Status      Status `yaml:"-"`
	ErrorString string `yaml:"-"`
	HTTPCode    int    `yaml:"-"`
}

func (item *SyncItem) String() string {
	return fmt.Sprintf("%s %s (%s)", item.Instruction, item.File, item.Direction)
}
