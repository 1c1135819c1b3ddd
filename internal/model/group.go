package model

type GroupType string

const (
	GroupSelect      GroupType = "select"
	GroupURLTest     GroupType = "url-test"
	GroupFallback    GroupType = "fallback"
	GroupLoadBalance GroupType = "load-balance"
)

const (
	DefaultTestURL     = "http://www.gstatic.com/generate_204"
	DefaultIntervalSec = 300
)

// GroupTypes lists the supported group shapes in declaration order.
var GroupTypes = []GroupType{GroupSelect, GroupURLTest, GroupFallback, GroupLoadBalance}

// HealthChecked reports whether the group type carries a test url/interval.
func (t GroupType) HealthChecked() bool {
	return t == GroupURLTest || t == GroupFallback || t == GroupLoadBalance
}

type Group struct {
	Name string
	Type GroupType

	Members []string // proxy names / group names / DIRECT / REJECT

	// url-test / fallback / load-balance
	TestURL     string
	IntervalSec int

	ToleranceMS  int
	HasTolerance bool

	Strategy string // load-balance only, e.g. "consistent-hashing"
}
