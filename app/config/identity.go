package config

import "github.com/go-ini/ini"

type IdentityConfig struct {
	// Kind selects the identity provider implementation. "static" reads the
	// role and manager maps from the [identity] section; anything else is
	// expected to be wired by the embedding process.
	Kind     string `json:"kind"`
	RoleFile string `json:"role_file"`
}

func NewIdentityConfig(c *ini.Section) IdentityConfig {
	kind := c.Key("kind").String()
	if kind == "" {
		kind = "static"
	}
	return IdentityConfig{
		Kind:     kind,
		RoleFile: c.Key("role_file").String(),
	}
}
