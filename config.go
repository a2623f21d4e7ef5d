package geoform

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/nyaruka/ezconf"
	validator "gopkg.in/go-playground/validator.v9"
)

// Config is our top level configuration object
type Config struct {
	Domain    string `help:"the domain geoform is exposed on"`
	Address   string `help:"the network interface address geoform will bind to"`
	Port      int    `help:"the port geoform will listen on"`
	SentryDSN string `help:"the DSN used for logging errors to Sentry"`
	LogLevel  string `help:"the logging level geoform should use"`
	Version   string `help:"the version that will be used in request and response headers"`

	StoreToken    string `validate:"required"      help:"the bearer token used to authenticate against the tabular store API"`
	StoreBaseID   string `validate:"required"      help:"the identifier of the base we read and write records in"`
	StoreTable    string `validate:"required"      help:"the name of the table we read and write records in"`
	StoreBaseURL  string `validate:"required,url"  help:"the base URL of the tabular store API"`
	StoreMaxPages int    `validate:"min=1"         help:"the maximum number of pages we will fetch when listing all records"`

	WebhookSecret   string `validate:"required"                     help:"the shared secret used to verify inbound webhook signatures"`
	WebhookScheme   string `validate:"oneof=timestamped body"       help:"the signing scheme the webhook sender uses (timestamped or body)"`
	WebhookEncoding string `validate:"oneof=hex base64"             help:"the encoding of body scheme signatures (hex or base64)"`

	GeocodeBaseURL string `validate:"required,url" help:"the base URL of the zipcode geocoding service"`
	GeocodeWorkers int    `validate:"min=1"        help:"the maximum number of concurrent geocoding lookups during exports"`

	LatitudeField  string `help:"the store field name holding record latitudes"`
	LongitudeField string `help:"the store field name holding record longitudes"`
	TitleField     string `help:"the store field name used as the title of exported features"`

	AllowedOrigins string `help:"comma separated list of origins allowed to read records and features"`
}

// NewConfig returns a new default configuration object
func NewConfig() *Config {
	return &Config{
		Domain:   "localhost",
		Address:  "",
		Port:     8080,
		LogLevel: "info",
		Version:  "Dev",

		StoreBaseURL:  "https://api.airtable.com/v0",
		StoreMaxPages: 100,

		WebhookScheme:   "timestamped",
		WebhookEncoding: "hex",

		GeocodeBaseURL: "https://api.zippopotam.us",
		GeocodeWorkers: 4,

		LatitudeField:  "lat",
		LongitudeField: "lng",
		TitleField:     "City",

		AllowedOrigins: "https://ethicsmap.org,https://www.ethicsmap.org,https://ethicsmap.webflow.io",
	}
}

// LoadConfig loads our configuration from the passed in filename
func LoadConfig(filename string) *Config {
	config := NewConfig()
	loader := ezconf.NewLoader(
		config,
		"geoform", "Geoform - a webhook intake and map export service for form submissions",
		[]string{filename},
	)

	loader.MustLoad()
	return config
}

var validate = validator.New()

// Validate validates the config
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if _, err := c.ParseAllowedOrigins(); err != nil {
		return fmt.Errorf("unable to parse 'AllowedOrigins': %w", err)
	}
	return nil
}

// ParseAllowedOrigins parses the comma separated list of origins which may read our data,
// normalizing each to scheme://host form
func (c *Config) ParseAllowedOrigins() ([]string, error) {
	if strings.TrimSpace(c.AllowedOrigins) == "" {
		return nil, nil
	}

	vals, err := csv.NewReader(strings.NewReader(c.AllowedOrigins)).Read()
	if err != nil && err != io.EOF {
		return nil, err
	}

	origins := make([]string, 0, len(vals))
	for _, v := range vals {
		u, err := url.Parse(strings.TrimSpace(v))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid origin '%s'", v)
		}
		origins = append(origins, fmt.Sprintf("%s://%s", u.Scheme, u.Host))
	}
	return origins, nil
}
