package model

const (
	ActionDirect = "DIRECT"
	ActionReject = "REJECT"
)

type Rule struct {
	Type      string // e.g. "DOMAIN-SUFFIX", "IP-CIDR", "MATCH"
	Value     string // domain/suffix/keyword/cidr/cc/port
	Action    string // DIRECT/REJECT/group name
	NoResolve bool   // only meaningful for IP-CIDR/IP-CIDR6/GEOIP
}

// IsBuiltinAction reports whether action is a policy every client knows
// without a group declaration.
func IsBuiltinAction(action string) bool {
	return action == ActionDirect || action == ActionReject
}
