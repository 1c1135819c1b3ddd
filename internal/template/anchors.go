package template

import (
	"fmt"
	"strings"

	"github.com/guancn/clashsubsys/internal/model"
	"github.com/guancn/clashsubsys/internal/render"
)

const (
	AnchorProxies = "#@PROXIES@#"
	AnchorGroups  = "#@GROUPS@#"
	AnchorRules   = "#@RULES@#"
)

var anchors = []string{AnchorProxies, AnchorGroups, AnchorRules}

// sections names, per line dialect, the lower-cased section each anchor must
// sit in. Clash has no sections; its anchors are checked by indent instead.
var sections = map[model.Target][3]string{
	model.TargetSurge:     {"proxy", "proxy group", "rule"},
	model.TargetSurfboard: {"proxy", "proxy group", "rule"},
	model.TargetLoon:      {"proxy", "proxy group", "rule"},
	model.TargetQuanX:     {"server_local", "policy", "filter_local"},
}

type AnchorOptions struct {
	Target      model.Target
	TemplateURL string
}

// InjectAnchors replaces each anchor line with its block. Every block line
// inherits the anchor's leading whitespace, and the document keeps its CRLF
// or LF line endings.
func InjectAnchors(templateText string, blocks render.Blocks, opt AnchorOptions) (string, error) {
	if templateText == "" {
		return "", templateError("TEMPLATE_EMPTY", "template 不能为空", opt.TemplateURL, "", "")
	}

	newline := detectNewline(templateText)
	normalized := strings.ReplaceAll(templateText, "\r\n", "\n")
	lines := strings.Split(normalized, "\n")
	endsWithNewline := strings.HasSuffix(normalized, "\n")

	pos, err := findAnchors(lines, opt.Target, opt.TemplateURL)
	if err != nil {
		return "", err
	}

	content := [3]string{blocks.Proxies, blocks.Groups, blocks.Rules}
	for i, at := range pos {
		lines[at] = indentBlock(lines[at], content[i])
	}

	out := strings.Join(lines, "\n")
	if !endsWithNewline {
		out = strings.TrimSuffix(out, "\n")
	}
	if newline == "\r\n" {
		out = strings.ReplaceAll(out, "\n", "\r\n")
	}
	return out, nil
}

// findAnchors returns the line of each anchor in Proxies, Groups, Rules
// order. Each anchor must appear exactly once on a line of its own.
func findAnchors(lines []string, target model.Target, templateURL string) ([3]int, error) {
	pos := [3]int{-1, -1, -1}
	want, sectioned := sections[target]

	section := ""
	for i, line := range lines {
		trim := strings.TrimSpace(line)
		if sec, ok := parseSectionHeader(trim); ok {
			section = sec
			continue
		}
		for k, anchor := range anchors {
			if !strings.Contains(line, anchor) {
				continue
			}
			if trim != anchor {
				return pos, templateError("TEMPLATE_SECTION_ERROR", "锚点必须独占一行", templateURL, line, anchor)
			}
			if pos[k] != -1 {
				return pos, templateError("TEMPLATE_ANCHOR_DUP", fmt.Sprintf("锚点 %s 重复出现", anchor), templateURL, "", "")
			}
			if sectioned && section != want[k] {
				return pos, templateError("TEMPLATE_SECTION_ERROR", fmt.Sprintf("%s 必须位于 [%s] 段内", anchor, want[k]), templateURL, line, "")
			}
			pos[k] = i
		}
	}

	for k, at := range pos {
		if at == -1 {
			return pos, templateError("TEMPLATE_ANCHOR_MISSING", fmt.Sprintf("缺少锚点 %s", anchors[k]), templateURL, "", "")
		}
	}

	if target == model.TargetClash {
		for _, at := range pos {
			if leadingWhitespace(lines[at]) == "" {
				return pos, templateError("TEMPLATE_SECTION_ERROR", "Clash 模板锚点缩进不能为 0（应位于对应列表下方）", templateURL, lines[at], "")
			}
		}
	}
	return pos, nil
}

func indentBlock(anchorLine string, block string) string {
	indent := leadingWhitespace(anchorLine)
	if block == "" {
		return ""
	}
	blockLines := strings.Split(block, "\n")
	for i := range blockLines {
		blockLines[i] = indent + blockLines[i]
	}
	return strings.Join(blockLines, "\n")
}

func parseSectionHeader(trim string) (string, bool) {
	if len(trim) < 3 || trim[0] != '[' || trim[len(trim)-1] != ']' {
		return "", false
	}
	return strings.ToLower(strings.TrimSpace(trim[1 : len(trim)-1])), true
}

func leadingWhitespace(line string) string {
	return line[:len(line)-len(strings.TrimLeft(line, " \t"))]
}

func detectNewline(s string) string {
	if strings.Contains(s, "\r\n") {
		return "\r\n"
	}
	return "\n"
}
