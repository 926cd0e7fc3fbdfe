package identity

import (
	"io/ioutil"

	"gopkg.in/yaml.v2"
)

type roleDoc struct {
	Roles map[string][]struct {
		User string `yaml:"user"`
		Site string `yaml:"site"`
	} `yaml:"roles"`
	Managers map[string]string `yaml:"managers"`
}

// LoadStaticProvider builds a provider from a YAML role file:
//
//	roles:
//	  quality-engineer:
//	    - user: qe1
//	      site: plant-a
//	managers:
//	  qe1: qm1
func LoadStaticProvider(path string) (*StaticProvider, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}

	doc := &roleDoc{}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, err
	}

	provider := NewStaticProvider()
	for role, members := range doc.Roles {
		for _, m := range members {
			provider.AddRole(role, Member{UserID: m.User, Site: m.Site})
		}
	}
	for user, manager := range doc.Managers {
		provider.SetManager(user, manager)
	}
	return provider, nil
}
