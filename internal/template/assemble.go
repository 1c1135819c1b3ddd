package template

import (
	"embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/guancn/clashsubsys/internal/model"
	"github.com/guancn/clashsubsys/internal/render"
)

//go:embed base
var baseFS embed.FS

// Base returns the embedded base document of target.
func Base(target model.Target) (string, error) {
	b, err := baseFS.ReadFile("base/" + string(target) + target.Ext())
	if err != nil {
		return "", &TemplateError{
			AppError: model.AppError{
				Code:    model.CodeInvalidArgument,
				Message: fmt.Sprintf("不支持的 target：%s", target),
				Stage:   "validate_template",
			},
			Cause: err,
		}
	}
	return string(b), nil
}

type AssembleOptions struct {
	Target model.Target

	// Base is a remote base document; empty selects the embedded one.
	Base        string
	TemplateURL string

	// ManagedURL, when set, is written into the managed-config header of the
	// dialects that support one.
	ManagedURL string
}

// Assemble injects blocks into the base document of opt.Target and returns
// the final config text.
func Assemble(blocks render.Blocks, opt AssembleOptions) (string, error) {
	base := opt.Base
	if base == "" {
		var err error
		if base, err = Base(opt.Target); err != nil {
			return "", err
		}
	}

	out, err := InjectAnchors(base, blocks, AnchorOptions{Target: opt.Target, TemplateURL: opt.TemplateURL})
	if err != nil {
		return "", err
	}

	switch opt.Target {
	case model.TargetClash:
		if err := validateClash(out, opt.TemplateURL); err != nil {
			return "", err
		}
	case model.TargetSurge, model.TargetSurfboard:
		if opt.ManagedURL != "" {
			if out, err = EnsureManagedConfig(out, opt.ManagedURL, opt.TemplateURL); err != nil {
				return "", err
			}
		}
	}
	return out, nil
}

// validateClash parses the assembled document and checks that the three
// injected keys hold sequences.
func validateClash(text, templateURL string) error {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		e := templateError("TEMPLATE_YAML_INVALID", "生成的 Clash 配置不是合法 YAML", templateURL, "", "")
		e.Cause = err
		return e
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return templateError("TEMPLATE_YAML_INVALID", "Clash 配置顶层必须是 mapping", templateURL, "", "")
	}
	root := doc.Content[0]
	for _, key := range []string{"proxies", "proxy-groups", "rules"} {
		v := mappingValue(root, key)
		if v == nil {
			return templateError("TEMPLATE_YAML_INVALID", fmt.Sprintf("Clash 配置缺少 %s", key), templateURL, "", "")
		}
		if v.Kind != yaml.SequenceNode {
			return templateError("TEMPLATE_YAML_INVALID", fmt.Sprintf("Clash 配置 %s 必须是列表", key), templateURL, key, "")
		}
	}
	return nil
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}
