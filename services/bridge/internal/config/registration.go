package config

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

type namespace struct {
	Exclusive bool   `yaml:"exclusive"`
	Regex     string `yaml:"regex"`
}

type registration struct {
	ID              string `yaml:"id"`
	URL             string `yaml:"url"`
	ASToken         string `yaml:"as_token"`
	HSToken         string `yaml:"hs_token"`
	SenderLocalpart string `yaml:"sender_localpart"`
	Namespaces      struct {
		Users   []namespace `yaml:"users"`
		Aliases []namespace `yaml:"aliases"`
		Rooms   []namespace `yaml:"rooms"`
	} `yaml:"namespaces"`
	RateLimited bool `yaml:"rate_limited"`
}

// RegistrationYAML renders the appservice registration for the homeserver.
func RegistrationYAML(cfg FileConfig) (string, error) {
	reg := registration{
		ID:              cfg.BridgeID,
		URL:             strings.TrimRight(cfg.BridgeURL, "/") + ":" + cfg.Port,
		ASToken:         cfg.ASToken,
		HSToken:         cfg.HSToken,
		SenderLocalpart: cfg.SenderLocalpart,
	}
	prefix := regexp.QuoteMeta(cfg.NamespacePrefix)
	reg.Namespaces.Users = []namespace{{Exclusive: true, Regex: "@" + prefix + ".*"}}
	reg.Namespaces.Aliases = []namespace{{Exclusive: true, Regex: "#" + prefix + ".*"}}
	reg.Namespaces.Rooms = []namespace{}
	out, err := yaml.Marshal(reg)
	if err != nil {
		return "", fmt.Errorf("encode registration: %w", err)
	}
	return string(out), nil
}

const sampleYAML = `# Base64 key material for encrypting stored OAuth tokens (at least 16 bytes).
tokenKey: %q
# Appservice tokens shared with the homeserver registration.
asToken: "change-me"
hsToken: "change-me"

homeserverURL: "http://localhost:8008"
homeserverName: "example.org"

bridgeID: "gmail"
bridgeURL: "http://localhost"
port: "8010"
senderLocalpart: "appservice-gmail"
namespacePrefix: "_gmail_bridge_"

# OAuth client of the Gmail API project.
gmailClientID: ""
gmailClientSecret: ""
gmailProjectID: ""
gmailRedirectURL: "urn:ietf:wg:oauth:2.0:oob"
gmailRecheckSeconds: 300
defaultEmailName: ""

# memory | redis | sqlite | postgres
storeDriver: "sqlite"
storeDSN: "gmail_bridge.db"
redisPassword: ""

logLevel: "info"
metricsEnabled: true
tokenRefreshCron: "@every 30m"
`

// SampleYAML renders a commented config with defaults. tokenKey is filled
// with key.
func SampleYAML(key string) string {
	return fmt.Sprintf(sampleYAML, key)
}
