package config

import (
	"encoding/json"
	"fmt"
	"net"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
)

var (
	scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	domainPattern  = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)
	hostPattern    = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)

	systemDirs = map[string]bool{
		"/": true, "/etc": true, "/bin": true, "/sbin": true, "/usr": true,
		"/lib": true, "/boot": true, "/proc": true, "/sys": true, "/dev": true,
	}
	weakTokens = map[string]bool{
		"password": true, "secret": true, "token": true, "12345678": true,
		"00000000": true, "aaaaaaaa": true, "changeme": true,
	}
)

// bound is an inclusive numeric limit; nil means unbounded.
type bound *float64

func at(v float64) bound { return &v }

// field documents one configuration key. Numeric bounds and enums are
// enforced by ValidateSchema and published by GetConfigSchema.
type field struct {
	key    string
	kind   string
	doc    string
	min    bound
	max    bound
	enum   []string
	format string
	// skip reports when the key is irrelevant and left unchecked
	skip func(*Config) bool
}

var fields = []field{
	{key: "port", kind: "integer", doc: "HTTP API port", min: at(1), max: at(65535)},
	{key: "mode", kind: "string", doc: "Server operation mode", enum: []string{"simple", "socket"}},
	{key: "data_dir", kind: "string", doc: "Directory for the database and attachment bodies"},
	{key: "database_path", kind: "string", doc: "SQLite database file (default: <data_dir>/tempmail.db)"},
	{key: "blob_dir", kind: "string", doc: "Attachment body directory (default: <data_dir>/blobs)"},
	{key: "bearer_token", kind: "string", doc: "Token required by POST /mail/inbound"},
	{key: "log_mode", kind: "string", doc: "Log encoder", enum: []string{"production", "development"},
		skip: func(c *Config) bool { return c.LogMode == "" }},

	{key: "domains", kind: "array", doc: "Domains mail is accepted for", format: "hostname"},
	{key: "blocked_sender_domains", kind: "array", doc: "Sender domains refused at MAIL FROM", format: "hostname"},
	{key: "smtp_enabled", kind: "boolean", doc: "Run the SMTP listener"},
	{key: "smtp_port", kind: "integer", doc: "SMTP listener port", min: at(1), max: at(65535),
		skip: func(c *Config) bool { return !c.SMTPEnabled }},
	{key: "smtp_hostname", kind: "string", doc: "Hostname announced in the SMTP greeting and Authentication-Results", format: "hostname"},
	{key: "max_message_bytes", kind: "integer", doc: "Largest accepted message", min: at(1), max: at(100 << 20)},
	{key: "dkim_verify", kind: "boolean", doc: "Verify DKIM signatures on inbound mail"},

	{key: "kv_backend", kind: "string", doc: "Counter store backend", enum: []string{"memory", "sqlite", "redis"}},
	{key: "redis_addr", kind: "string", doc: "Redis host:port"},
	{key: "redis_password", kind: "string", doc: "Redis password"},
	{key: "redis_db", kind: "integer", doc: "Redis database number", min: at(0), max: at(15),
		skip: func(c *Config) bool { return c.KVBackend != "redis" }},

	{key: "email_retention_hours", kind: "integer", doc: "Hours an email is kept", min: at(1), max: at(24 * 365)},
	{key: "cleanup_schedule", kind: "string", doc: "Cron expression for the retention cleanup"},

	{key: "stats_cache_ttl", kind: "integer", doc: "Seconds a top senders ranking stays fresh", min: at(0)},
	{key: "stats_max_keys", kind: "integer", doc: "Most sender counters read per refresh", min: at(0)},
	{key: "stats_page_size", kind: "integer", doc: "Counter keys requested per listing page", min: at(0)},
	{key: "stats_batch_size", kind: "integer", doc: "Concurrent counter reads", min: at(0)},
	{key: "stats_retention_size", kind: "integer", doc: "Ranked entries kept in the cache", min: at(0)},
	{key: "stats_default_limit", kind: "integer", doc: "Entries returned when no limit is given", min: at(0)},
	{key: "stats_max_limit", kind: "integer", doc: "Largest accepted limit", min: at(0)},

	{key: "rate_limit_per_minute", kind: "integer", doc: "Maximum requests per minute per IP", min: at(0), max: at(10000)},
	{key: "rate_limit_burst", kind: "integer", doc: "Burst capacity for rate limiting", min: at(0)},
	{key: "smtp_global_rate", kind: "number", doc: "New SMTP connections per second, all clients", min: at(0)},
	{key: "smtp_per_ip_rate", kind: "number", doc: "New SMTP connections per second, per client", min: at(0)},
	{key: "smtp_max_connections", kind: "integer", doc: "Open SMTP sessions, all clients", min: at(0)},
	{key: "smtp_max_connections_per_ip", kind: "integer", doc: "Open SMTP sessions per client", min: at(0)},

	{key: "read_timeout", kind: "integer", doc: "HTTP read timeout in seconds", min: at(0), max: at(300)},
	{key: "write_timeout", kind: "integer", doc: "HTTP write timeout in seconds", min: at(0), max: at(300)},
	{key: "idle_timeout", kind: "integer", doc: "HTTP idle timeout in seconds", min: at(0), max: at(600)},
	{key: "handler_timeout", kind: "integer", doc: "Request handler timeout in seconds", min: at(0), max: at(300)},

	{key: "metrics_enabled", kind: "boolean", doc: "Expose Prometheus metrics"},
	{key: "metrics_path", kind: "string", doc: "Path for the metrics endpoint"},
}

// problems collects "key: message" findings in the order they are found.
type problems []string

func (p *problems) add(key, format string, args ...interface{}) {
	*p = append(*p, key+": "+fmt.Sprintf(format, args...))
}

func (p problems) err() error {
	if len(p) == 0 {
		return nil
	}
	return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(p, "\n  - "))
}

// ValidateSchema reports every invalid field at once. Validate only checks
// what would stop the server from starting.
func (c *Config) ValidateSchema() error {
	var p problems

	values := valuesByKey(c)
	for _, f := range fields {
		if f.skip != nil && f.skip(c) {
			continue
		}
		v := values[f.key]
		checkBounds(&p, f, v)
		checkEnum(&p, f, v)
	}

	c.checkPaths(&p)
	c.checkToken(&p)
	checkDomains(&p, "domains", c.Domains, true)
	checkDomains(&p, "blocked_sender_domains", c.BlockedSenderDomains, false)
	c.checkSMTP(&p)
	c.checkRedis(&p)
	c.checkSchedule(&p)
	c.checkStats(&p)
	c.checkAdmission(&p)
	c.checkHTTP(&p)

	return p.err()
}

// valuesByKey maps mapstructure tags to field values.
func valuesByKey(c *Config) map[string]reflect.Value {
	rv := reflect.ValueOf(c).Elem()
	rt := rv.Type()
	out := make(map[string]reflect.Value, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		if tag := rt.Field(i).Tag.Get("mapstructure"); tag != "" {
			out[tag] = rv.Field(i)
		}
	}
	return out
}

func checkBounds(p *problems, f field, v reflect.Value) {
	if f.min == nil && f.max == nil {
		return
	}

	var n float64
	switch v.Kind() {
	case reflect.Int, reflect.Int64:
		n = float64(v.Int())
	case reflect.Float64:
		n = v.Float()
	default:
		return
	}

	switch {
	case f.min != nil && f.max != nil && (n < *f.min || n > *f.max):
		p.add(f.key, "must be between %s and %s, got %s", num(*f.min), num(*f.max), num(n))
	case f.min != nil && n < *f.min:
		if *f.min == 0 {
			p.add(f.key, "cannot be negative")
		} else {
			p.add(f.key, "must be at least %s", num(*f.min))
		}
	case f.max != nil && n > *f.max:
		p.add(f.key, "must be at most %s", num(*f.max))
	}
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func checkEnum(p *problems, f field, v reflect.Value) {
	if len(f.enum) == 0 || v.Kind() != reflect.String {
		return
	}
	for _, allowed := range f.enum {
		if v.String() == allowed {
			return
		}
	}
	p.add(f.key, "must be one of %v, got '%s'", f.enum, v.String())
}

func (c *Config) checkPaths(p *problems) {
	switch {
	case c.DataDir == "":
		p.add("data_dir", "cannot be empty")
	case !strings.HasPrefix(c.DataDir, "/"):
		p.add("data_dir", "must be an absolute path")
	case systemDirs[c.DataDir]:
		p.add("data_dir", "cannot use system directory '%s'", c.DataDir)
	}

	// empty paths are derived from data_dir
	for _, kv := range [][2]string{{"database_path", c.DatabasePath}, {"blob_dir", c.BlobDir}} {
		path := kv[1]
		if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
			continue
		}
		if !strings.HasPrefix(path, "/") {
			p.add(kv[0], "must be an absolute path")
		}
	}
}

func (c *Config) checkToken(p *problems) {
	if c.BearerToken == "" {
		return
	}
	if len(c.BearerToken) < 16 {
		p.add("bearer_token", "must be at least 16 characters")
	}
	lower := strings.ToLower(c.BearerToken)
	if weakTokens[lower] || weakTokens[strings.TrimSuffix(lower, "123")] {
		p.add("bearer_token", "appears to be a weak token, please use a stronger value")
	}
}

func checkDomains(p *problems, key string, domains []string, required bool) {
	if len(domains) == 0 {
		if required {
			p.add(key, "at least one domain is required")
		}
		return
	}
	seen := make(map[string]bool, len(domains))
	for _, d := range domains {
		if !domainPattern.MatchString(d) {
			p.add(key, "'%s' is not a valid domain name", d)
		}
		if seen[strings.ToLower(d)] {
			p.add(key, "'%s' is listed more than once", d)
		}
		seen[strings.ToLower(d)] = true
	}
}

func (c *Config) checkSMTP(p *problems) {
	if c.SMTPEnabled && c.SMTPPort == c.Port {
		p.add("smtp_port", "must differ from port")
	}
	if c.SMTPHostname != "" && !hostPattern.MatchString(c.SMTPHostname) {
		p.add("smtp_hostname", "'%s' is not a valid hostname", c.SMTPHostname)
	}
}

func (c *Config) checkRedis(p *problems) {
	if c.KVBackend != "redis" {
		return
	}
	if c.RedisAddr == "" {
		p.add("redis_addr", "required when kv_backend is redis")
	} else if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
		p.add("redis_addr", "must be host:port, got '%s'", c.RedisAddr)
	}
}

func (c *Config) checkSchedule(p *problems) {
	if c.CleanupSchedule == "" {
		p.add("cleanup_schedule", "cannot be empty")
		return
	}
	if _, err := scheduleParser.Parse(c.CleanupSchedule); err != nil {
		p.add("cleanup_schedule", "invalid cron expression: %v", err)
	}
}

func (c *Config) checkStats(p *problems) {
	if c.StatsDefaultLimit > 0 && c.StatsMaxLimit > 0 && c.StatsDefaultLimit > c.StatsMaxLimit {
		p.add("stats_default_limit", "cannot exceed stats_max_limit")
	}
	if c.StatsMaxLimit > 0 && c.StatsRetentionSize > 0 && c.StatsMaxLimit > c.StatsRetentionSize {
		p.add("stats_max_limit", "cannot exceed stats_retention_size")
	}
}

func (c *Config) checkAdmission(p *problems) {
	if c.SMTPPerIPRate > 0 && c.SMTPGlobalRate > 0 && c.SMTPPerIPRate > c.SMTPGlobalRate {
		p.add("smtp_per_ip_rate", "cannot exceed smtp_global_rate")
	}
	if c.SMTPMaxConnections > 0 && c.SMTPMaxConnectionsPerIP > c.SMTPMaxConnections {
		p.add("smtp_max_connections_per_ip", "cannot exceed smtp_max_connections")
	}
}

func (c *Config) checkHTTP(p *problems) {
	if c.HandlerTimeout > 0 && c.ReadTimeout > 0 && c.HandlerTimeout >= c.ReadTimeout {
		p.add("handler_timeout", "should be less than read_timeout")
	}
	if !c.MetricsEnabled {
		return
	}
	if c.MetricsPath == "" {
		p.add("metrics_path", "cannot be empty when metrics are enabled")
	} else if !strings.HasPrefix(c.MetricsPath, "/") {
		p.add("metrics_path", "must start with /")
	}
}

// ToJSON renders the configuration as indented JSON, secrets included.
func (c *Config) ToJSON() (string, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// GetConfigSchema renders fields as a draft-07 JSON schema with the built-in
// defaults.
func GetConfigSchema() string {
	defaults := Defaults()
	properties := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		prop := map[string]interface{}{
			"type":        f.kind,
			"description": f.doc,
		}
		if d, ok := defaults[f.key]; ok {
			prop["default"] = d
		}
		if f.min != nil {
			prop["minimum"] = *f.min
		}
		if f.max != nil {
			prop["maximum"] = *f.max
		}
		if len(f.enum) > 0 {
			prop["enum"] = f.enum
		}
		if f.format != "" {
			if f.kind == "array" {
				prop["items"] = map[string]string{"type": "string", "format": f.format}
			} else {
				prop["format"] = f.format
			}
		}
		properties[f.key] = prop
	}

	schema := map[string]interface{}{
		"$schema":    "http://json-schema.org/draft-07/schema#",
		"type":       "object",
		"title":      "TempMail Configuration Schema",
		"properties": properties,
		"required":   []string{"port", "mode", "data_dir", "domains"},
	}

	data, _ := json.MarshalIndent(schema, "", "  ")
	return string(data)
}
