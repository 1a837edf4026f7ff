package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type HTTPVerb string

const (
	VerbGet   HTTPVerb = "Get"
	VerbPut   HTTPVerb = "Put"
	VerbPost  HTTPVerb = "Post"
	VerbPatch HTTPVerb = "Patch"
)

// Method maps the configured verb onto an HTTP method. Unknown verbs map to
// POST, the receivers' default.
func (v HTTPVerb) Method() string {
	switch v {
	case VerbGet:
		return http.MethodGet
	case VerbPut:
		return http.MethodPut
	case VerbPatch:
		return http.MethodPatch
	default:
		return http.MethodPost
	}
}

func (v *HTTPVerb) UnmarshalJSON(data []byte) error {
	s, err := unmarshalEnum(data, string(VerbGet), string(VerbPut), string(VerbPost), string(VerbPatch))
	*v = HTTPVerb(s)
	return err
}

type AuthenticationType string

const (
	AuthNone   AuthenticationType = "None"
	AuthBasic  AuthenticationType = "Basic"
	AuthOIDC   AuthenticationType = "OIDC"
	AuthCustom AuthenticationType = "Custom"
)

func (t *AuthenticationType) UnmarshalJSON(data []byte) error {
	s, err := unmarshalEnum(data, string(AuthNone), string(AuthBasic), string(AuthOIDC), string(AuthCustom))
	*t = AuthenticationType(s)
	return err
}

type Location string

const (
	LocationBody           Location = "Body"
	LocationHeader         Location = "Header"
	LocationHTTPStatusCode Location = "HttpStatusCode"
	LocationHTTPContent    Location = "HttpContent"
	LocationURI            Location = "Uri"
)

func (l *Location) UnmarshalJSON(data []byte) error {
	s, err := unmarshalEnum(data,
		string(LocationBody), string(LocationHeader), string(LocationHTTPStatusCode),
		string(LocationHTTPContent), string(LocationURI))
	*l = Location(s)
	return err
}

type DataType string

const (
	DataTypeProperty       DataType = "Property"
	DataTypeModel          DataType = "Model"
	DataTypeString         DataType = "String"
	DataTypeHTTPContent    DataType = "HttpContent"
	DataTypeHTTPStatusCode DataType = "HttpStatusCode"
)

func (d *DataType) UnmarshalJSON(data []byte) error {
	s, err := unmarshalEnum(data,
		string(DataTypeProperty), string(DataTypeModel), string(DataTypeString),
		string(DataTypeHTTPContent), string(DataTypeHTTPStatusCode))
	*d = DataType(s)
	return err
}

type RuleAction string

const (
	ActionAdd     RuleAction = "Add"
	ActionReplace RuleAction = "Replace"
	ActionRoute   RuleAction = "Route"
)

func (a *RuleAction) UnmarshalJSON(data []byte) error {
	s, err := unmarshalEnum(data, string(ActionAdd), string(ActionReplace), string(ActionRoute))
	*a = RuleAction(s)
	return err
}

// unmarshalEnum decodes a JSON string and canonicalises its casing against
// the known values. Unknown values are kept verbatim and rejected by Validate.
func unmarshalEnum(data []byte, known ...string) (string, error) {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return "", err
	}
	s = strings.TrimSpace(s)
	for _, k := range known {
		if strings.EqualFold(s, k) {
			return k, nil
		}
	}
	return s, nil
}

type AuthenticationConfig struct {
	Type AuthenticationType `json:"type"`

	// Basic
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// OIDC and Custom
	URI                    string   `json:"uri,omitempty"`
	ClientID               string   `json:"clientId,omitempty"`
	ClientSecret           string   `json:"clientSecret,omitempty"`
	Scopes                 []string `json:"scopes,omitempty"`
	RefreshBeforeInSeconds int      `json:"refreshBeforeInSeconds,omitempty"`
}

// Identity keys cached token providers. Two configs with the same identity
// share a token.
func (a *AuthenticationConfig) Identity() string {
	if a == nil {
		return string(AuthNone)
	}
	switch a.Type {
	case AuthBasic:
		return fmt.Sprintf("%s|%s", a.Type, a.Username)
	case AuthOIDC, AuthCustom:
		return fmt.Sprintf("%s|%s|%s|%s", a.Type, a.URI, a.ClientID, strings.Join(a.Scopes, " "))
	default:
		return string(AuthNone)
	}
}

// EffectiveType treats a missing config as None.
func (a *AuthenticationConfig) EffectiveType() AuthenticationType {
	if a == nil || a.Type == "" {
		return AuthNone
	}
	return a.Type
}

type ParserLocation struct {
	Path       string     `json:"path,omitempty"`
	Location   Location   `json:"location,omitempty"`
	Type       DataType   `json:"type,omitempty"`
	RuleAction RuleAction `json:"ruleAction,omitempty"`
}

type WebhookRequestRule struct {
	Source      ParserLocation       `json:"source"`
	Destination ParserLocation       `json:"destination"`
	Routes      []WebhookConfigRoute `json:"routes,omitempty"`
}

func (r *WebhookRequestRule) IsRoute() bool {
	return r.Destination.RuleAction == ActionRoute
}

type WebhookConfig struct {
	Name                 string                `json:"name,omitempty"`
	URI                  string                `json:"uri"`
	HTTPVerb             HTTPVerb              `json:"httpVerb,omitempty"`
	AuthenticationConfig *AuthenticationConfig `json:"authenticationConfig,omitempty"`
	WebhookRequestRules  []WebhookRequestRule  `json:"webhookRequestRules,omitempty"`
	Timeout              Duration              `json:"timeout,omitempty"`
}

type WebhookConfigRoute struct {
	WebhookConfig
	Selector string `json:"selector"`
}

func (c *WebhookConfig) routeRule() *WebhookRequestRule {
	for i := range c.WebhookRequestRules {
		if c.WebhookRequestRules[i].IsRoute() {
			return &c.WebhookRequestRules[i]
		}
	}
	return nil
}

func (c *WebhookConfig) Validate() error {
	return c.validate("webhook", true)
}

func (c *WebhookConfig) validate(field string, allowRoutes bool) error {
	if c.URI == "" {
		return fmt.Errorf("%s.uri is required", field)
	}
	u, err := url.Parse(c.URI)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s.uri %q is not an absolute URL", field, c.URI)
	}

	switch c.HTTPVerb {
	case "", VerbGet, VerbPut, VerbPost, VerbPatch:
	default:
		return fmt.Errorf("%s.httpVerb %q is not supported", field, c.HTTPVerb)
	}

	if err := c.AuthenticationConfig.validate(field + ".authenticationConfig"); err != nil {
		return err
	}

	routeRules := 0
	for i := range c.WebhookRequestRules {
		rule := &c.WebhookRequestRules[i]
		ruleField := fmt.Sprintf("%s.webhookRequestRules[%d]", field, i)

		if !rule.IsRoute() {
			continue
		}
		routeRules++
		if !allowRoutes {
			return fmt.Errorf("%s: routes cannot be nested", ruleField)
		}
		if rule.Source.Location != LocationBody {
			return fmt.Errorf("%s: route selectors must come from the body", ruleField)
		}
		if len(rule.Routes) == 0 {
			return fmt.Errorf("%s: route rule has no routes", ruleField)
		}
		for j := range rule.Routes {
			route := &rule.Routes[j]
			routeField := fmt.Sprintf("%s.routes[%d]", ruleField, j)
			if strings.TrimSpace(route.Selector) == "" {
				return fmt.Errorf("%s.selector is required", routeField)
			}
			if err := route.WebhookConfig.validate(routeField, false); err != nil {
				return err
			}
		}
	}
	if routeRules > 1 {
		return fmt.Errorf("%s: at most one route rule is allowed", field)
	}
	return nil
}

func (a *AuthenticationConfig) validate(field string) error {
	switch a.EffectiveType() {
	case AuthNone:
		return nil
	case AuthBasic:
		if a.Username == "" {
			return fmt.Errorf("%s.username is required for Basic", field)
		}
	case AuthOIDC, AuthCustom:
		if a.URI == "" || a.ClientID == "" {
			return fmt.Errorf("%s.uri and clientId are required for %s", field, a.Type)
		}
		if a.RefreshBeforeInSeconds < 0 {
			return fmt.Errorf("%s.refreshBeforeInSeconds must be non-negative", field)
		}
	default:
		return fmt.Errorf("%s.type %q is not supported", field, a.Type)
	}
	return nil
}

// Duration accepts either a Go duration string ("30s") or a number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*d = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var seconds float64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return fmt.Errorf("invalid duration %s: %w", data, err)
	}
	*d = Duration(seconds * float64(time.Second))
	return nil
}

// Metadata carries values produced by a previous delivery stage.
type Metadata map[string]string
