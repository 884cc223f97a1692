package canonical

type CredentialKind string

const (
	CredentialKindNone     CredentialKind = "none"
	CredentialKindAPIKey   CredentialKind = "api_key"
	CredentialKindAWSKeys  CredentialKind = "aws_keys"
	CredentialKindJSONBlob CredentialKind = "json_blob"
)

type AWSKeys struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Credentials is resolved once per call and never persisted. Exactly one of
// the payload fields is set, selected by Kind.
type Credentials struct {
	Kind     CredentialKind
	APIKey   string
	AWS      *AWSKeys
	JSONBlob map[string]string

	// UserSupplied marks caller-owned keys: usage is attributed to the caller
	// and the full completion limit applies.
	UserSupplied bool
}

func NoCredentials() Credentials { return Credentials{Kind: CredentialKindNone} }

func APIKeyCredentials(key string, userSupplied bool) Credentials {
	return Credentials{Kind: CredentialKindAPIKey, APIKey: key, UserSupplied: userSupplied}
}

// IsEmpty reports whether the credential carries no usable material. The
// explicit None credential is not empty: it is a deliberate "no auth" result.
func (c Credentials) IsEmpty() bool {
	switch c.Kind {
	case CredentialKindNone:
		return false
	case CredentialKindAPIKey:
		return c.APIKey == ""
	case CredentialKindAWSKeys:
		return c.AWS == nil || c.AWS.AccessKeyID == "" || c.AWS.SecretAccessKey == ""
	case CredentialKindJSONBlob:
		return len(c.JSONBlob) == 0
	default:
		return true
	}
}

// Key returns the bearer-style secret for adapters that authenticate with a
// single key, whether it came as an API key or inside a JSON blob.
func (c Credentials) Key() string {
	switch c.Kind {
	case CredentialKindAPIKey:
		return c.APIKey
	case CredentialKindJSONBlob:
		return c.JSONBlob["api_key"]
	}
	return ""
}

// KeySource is the billing attribution recorded on usage.
func (c Credentials) KeySource() KeySource {
	switch {
	case c.Kind == CredentialKindNone || c.Kind == "":
		return KeySourceNone
	case c.UserSupplied:
		return KeySourceUser
	default:
		return KeySourceSystem
	}
}
