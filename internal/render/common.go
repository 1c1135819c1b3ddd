package render

import (
	"strconv"
	"strings"

	"github.com/guancn/clashsubsys/internal/model"
)

// params collects the "key=value" tail of a line-format proxy or group.
type params []string

func (p *params) add(key, value string) {
	if value == "" {
		return
	}
	*p = append(*p, key+"="+value)
}

func (p *params) flag(key string, on bool) {
	if on {
		*p = append(*p, key+"=true")
	}
}

func (p *params) num(key string, v int) {
	if v > 0 {
		*p = append(*p, key+"="+strconv.Itoa(v))
	}
}

// check rejects a value the comma separated formats would split. A value may
// still contain "=": only the first one separates key and value.
func (p params) check() error {
	for _, s := range p {
		key, v, _ := strings.Cut(s, "=")
		if strings.ContainsAny(v, ",\r\n") {
			return unsupported("delimiter in " + key)
		}
	}
	return nil
}

// lineRule formats a rule whose Type is already spelled for the dialect.
// MATCH has been translated to the dialect's fallback keyword (FINAL).
func lineRule(r model.Rule, action string, noResolve bool) string {
	if r.Value == "" {
		return r.Type + "," + action
	}
	s := r.Type + "," + r.Value + "," + action
	if noResolve && r.NoResolve {
		s += ",no-resolve"
	}
	return s
}

// checkNames rejects group and action names a line format cannot embed.
func checkNames(title string, groups []model.Group, rules []model.Rule) error {
	for _, g := range groups {
		if err := policyNameOK(title, g.Name); err != nil {
			return err
		}
	}
	for _, r := range rules {
		if model.IsBuiltinAction(r.Action) {
			continue
		}
		if err := policyNameOK(title, r.Action); err != nil {
			return err
		}
	}
	return nil
}

func joinBlocks(proxies []string, groups []string, rules []string) Blocks {
	return Blocks{
		Proxies: strings.Join(proxies, "\n"),
		Groups:  strings.Join(groups, "\n"),
		Rules:   strings.Join(rules, "\n"),
	}
}
