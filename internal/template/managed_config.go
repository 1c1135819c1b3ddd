package template

import (
	"fmt"
	"strings"
)

const managedConfigPrefix = "#!MANAGED-CONFIG"

// ManagedConfigParams follow the URL on an inserted managed-config line.
const ManagedConfigParams = "interval=86400 strict=false"

// EnsureManagedConfig makes the first non-empty line
//
//	#!MANAGED-CONFIG <downloadURL> interval=86400 strict=false
//
// An existing line keeps its parameters and only gets its URL replaced. Used
// for Surge and Surfboard, which re-fetch the profile from that URL.
func EnsureManagedConfig(text string, downloadURL string, templateURL string) (string, error) {
	if strings.TrimSpace(downloadURL) == "" {
		return "", templateError("TEMPLATE_MANAGED_CONFIG", "managed config URL 不能为空", templateURL, "", "")
	}
	if strings.ContainsAny(downloadURL, " \t\r\n") {
		return "", templateError("TEMPLATE_MANAGED_CONFIG", "managed config URL 不能包含空白字符", templateURL, downloadURL, "")
	}
	if text == "" {
		return "", templateError("TEMPLATE_EMPTY", "template 不能为空", templateURL, "", "")
	}

	newline := detectNewline(text)
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	endsWithNewline := strings.HasSuffix(normalized, "\n")
	lines := strings.Split(normalized, "\n")

	managedLine := -1
	for i, line := range lines {
		if !isManagedConfigLine(line) {
			continue
		}
		if managedLine != -1 {
			return "", managedConfigAmbiguous(templateURL, "模板包含多条 #!MANAGED-CONFIG")
		}
		managedLine = i
	}

	if managedLine == -1 {
		line := fmt.Sprintf("%s %s %s", managedConfigPrefix, downloadURL, ManagedConfigParams)
		lines = append([]string{line}, lines...)
	} else {
		if managedLine != firstNonEmptyLine(lines) {
			return "", managedConfigAmbiguous(templateURL, "#!MANAGED-CONFIG 必须是第一个非空行")
		}
		rewritten, err := rewriteManagedConfigURL(lines[managedLine], downloadURL, templateURL)
		if err != nil {
			return "", err
		}
		lines[managedLine] = rewritten
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

func isManagedConfigLine(line string) bool {
	return strings.HasPrefix(strings.TrimLeft(line, " \t"), managedConfigPrefix)
}

func firstNonEmptyLine(lines []string) int {
	for i, line := range lines {
		if strings.TrimSpace(line) != "" {
			return i
		}
	}
	return -1
}

// rewriteManagedConfigURL swaps only the URL token of line.
func rewriteManagedConfigURL(line string, newURL string, templateURL string) (string, error) {
	lead := leadingWhitespace(line)
	after := line[len(lead)+len(managedConfigPrefix):]

	i := 0
	for i < len(after) && (after[i] == ' ' || after[i] == '\t') {
		i++
	}
	if i == len(after) {
		return "", managedConfigAmbiguous(templateURL, "#!MANAGED-CONFIG 缺少 URL")
	}
	j := i
	for j < len(after) && after[j] != ' ' && after[j] != '\t' {
		j++
	}
	return lead + managedConfigPrefix + after[:i] + newURL + after[j:], nil
}

func managedConfigAmbiguous(templateURL, msg string) error {
	return templateError("TEMPLATE_SECTION_ERROR", msg, templateURL, "", "managed config 必须唯一且位于第一个非空行")
}
