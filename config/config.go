// Package config loads client and server settings from a TOML file,
// keys left out of the file keep their defaults.
package config

import (
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/haxii/fastduplex/client"
	"github.com/haxii/fastduplex/connpool"
	"github.com/haxii/fastduplex/server"
	"github.com/haxii/fastduplex/transport"
)

// Config settings of a process running clients and servers
type Config struct {
	Client  Client
	Server  Server
	Metrics Metrics
}

// Client settings of a client.Client and its pool
type Client struct {
	DialTimeout         time.Duration
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxIdleConnDuration time.Duration
	MaxIdleConnsPerHost int
	MaxReuseAttempts    int
	ReadAhead           int
	FlushPerWrite       bool
	// AcceptEncoding codings advertised on every request, none if empty
	AcceptEncoding []string
	// Loops shared by the client connections, zero for a loop per connection
	Loops int
}

// Server settings of a server.Server
type Server struct {
	Listen       string
	ServiceName  string
	Concurrency  int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// write buffer water marks, see transport.Options
	WriteBufferLowWaterMark  int
	WriteBufferHighWaterMark int
	Loops                    int
}

// Metrics settings of the prometheus endpoint
type Metrics struct {
	// Listen address of the endpoint, disabled if empty
	Listen string
	Path   string
}

// Default the settings used for keys missing in a file
func Default() Config {
	return Config{
		Client: Client{
			DialTimeout:         transport.DefaultDialTimeout,
			ReadTimeout:         30 * time.Second,
			WriteTimeout:        30 * time.Second,
			MaxIdleConnDuration: connpool.DefaultMaxIdleConnDuration,
			MaxIdleConnsPerHost: connpool.DefaultMaxIdleConnsPerHost,
			MaxReuseAttempts:    connpool.DefaultMaxReuseAttempts,
			ReadAhead:           client.DefaultReadAhead,
		},
		Server: Server{
			Listen:                   "127.0.0.1:8080",
			ServiceName:              "fastduplex.server",
			Concurrency:              server.DefaultConcurrency,
			ReadTimeout:              30 * time.Second,
			WriteTimeout:             30 * time.Second,
			IdleTimeout:              60 * time.Second,
			WriteBufferLowWaterMark:  transport.DefaultWriteBufferLowWaterMark,
			WriteBufferHighWaterMark: transport.DefaultWriteBufferHighWaterMark,
		},
		Metrics: Metrics{
			Path: "/metrics",
		},
	}
}

type fileClient struct {
	DialTimeout         string   `toml:"dial_timeout"`
	ReadTimeout         string   `toml:"read_timeout"`
	WriteTimeout        string   `toml:"write_timeout"`
	MaxIdleConnDuration string   `toml:"max_idle_conn_duration"`
	MaxIdleConnsPerHost int      `toml:"max_idle_conns_per_host"`
	MaxReuseAttempts    int      `toml:"max_reuse_attempts"`
	ReadAhead           int      `toml:"read_ahead"`
	FlushPerWrite       bool     `toml:"flush_per_write"`
	AcceptEncoding      []string `toml:"accept_encoding"`
	Loops               int      `toml:"loops"`
}

type fileServer struct {
	Listen                   string `toml:"listen"`
	ServiceName              string `toml:"service_name"`
	Concurrency              int    `toml:"concurrency"`
	ReadTimeout              string `toml:"read_timeout"`
	WriteTimeout             string `toml:"write_timeout"`
	IdleTimeout              string `toml:"idle_timeout"`
	WriteBufferLowWaterMark  int    `toml:"write_buffer_low_water_mark"`
	WriteBufferHighWaterMark int    `toml:"write_buffer_high_water_mark"`
	Loops                    int    `toml:"loops"`
}

type fileMetrics struct {
	Listen string `toml:"listen"`
	Path   string `toml:"path"`
}

type fileConfig struct {
	Client  fileClient  `toml:"client"`
	Server  fileServer  `toml:"server"`
	Metrics fileMetrics `toml:"metrics"`
}

// Load reads the file at path over the defaults and validates the result
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.Wrapf(err, "load config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Errorf("load config %s: unknown key %s", path, undecoded[0])
	}

	d := &decoder{meta: meta}
	c, rc := &cfg.Client, &raw.Client
	d.duration(&c.DialTimeout, rc.DialTimeout, "client", "dial_timeout")
	d.duration(&c.ReadTimeout, rc.ReadTimeout, "client", "read_timeout")
	d.duration(&c.WriteTimeout, rc.WriteTimeout, "client", "write_timeout")
	d.duration(&c.MaxIdleConnDuration, rc.MaxIdleConnDuration, "client", "max_idle_conn_duration")
	d.int(&c.MaxIdleConnsPerHost, rc.MaxIdleConnsPerHost, "client", "max_idle_conns_per_host")
	d.int(&c.MaxReuseAttempts, rc.MaxReuseAttempts, "client", "max_reuse_attempts")
	d.int(&c.ReadAhead, rc.ReadAhead, "client", "read_ahead")
	d.int(&c.Loops, rc.Loops, "client", "loops")
	if meta.IsDefined("client", "flush_per_write") {
		c.FlushPerWrite = rc.FlushPerWrite
	}
	if meta.IsDefined("client", "accept_encoding") {
		c.AcceptEncoding = normalize(rc.AcceptEncoding)
	}

	s, rs := &cfg.Server, &raw.Server
	d.string(&s.Listen, rs.Listen, "server", "listen")
	d.string(&s.ServiceName, rs.ServiceName, "server", "service_name")
	d.int(&s.Concurrency, rs.Concurrency, "server", "concurrency")
	d.duration(&s.ReadTimeout, rs.ReadTimeout, "server", "read_timeout")
	d.duration(&s.WriteTimeout, rs.WriteTimeout, "server", "write_timeout")
	d.duration(&s.IdleTimeout, rs.IdleTimeout, "server", "idle_timeout")
	d.int(&s.WriteBufferLowWaterMark, rs.WriteBufferLowWaterMark, "server", "write_buffer_low_water_mark")
	d.int(&s.WriteBufferHighWaterMark, rs.WriteBufferHighWaterMark, "server", "write_buffer_high_water_mark")
	d.int(&s.Loops, rs.Loops, "server", "loops")

	d.string(&cfg.Metrics.Listen, raw.Metrics.Listen, "metrics", "listen")
	d.string(&cfg.Metrics.Path, raw.Metrics.Path, "metrics", "path")

	if d.err != nil {
		return Config{}, errors.Wrapf(d.err, "load config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrapf(err, "load config %s", path)
	}
	return cfg, nil
}

// decoder copies defined keys, keeping the first error
type decoder struct {
	meta toml.MetaData
	err  error
}

func (d *decoder) duration(dst *time.Duration, raw string, key ...string) {
	if d.err != nil || !d.meta.IsDefined(key...) {
		return
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		d.err = errors.Wrapf(err, "parse %s", strings.Join(key, "."))
		return
	}
	*dst = v
}

func (d *decoder) int(dst *int, raw int, key ...string) {
	if d.err == nil && d.meta.IsDefined(key...) {
		*dst = raw
	}
}

func (d *decoder) string(dst *string, raw string, key ...string) {
	if d.err == nil && d.meta.IsDefined(key...) {
		*dst = strings.TrimSpace(raw)
	}
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Validate reports the first setting out of range
func (c Config) Validate() error {
	for name, d := range map[string]time.Duration{
		"client.dial_timeout":           c.Client.DialTimeout,
		"client.read_timeout":           c.Client.ReadTimeout,
		"client.write_timeout":          c.Client.WriteTimeout,
		"client.max_idle_conn_duration": c.Client.MaxIdleConnDuration,
		"server.read_timeout":           c.Server.ReadTimeout,
		"server.write_timeout":          c.Server.WriteTimeout,
		"server.idle_timeout":           c.Server.IdleTimeout,
	} {
		if d < 0 {
			return errors.Errorf("%s must not be negative", name)
		}
	}
	switch {
	case c.Client.MaxIdleConnsPerHost < 0:
		return errors.New("client.max_idle_conns_per_host must not be negative")
	case c.Client.MaxReuseAttempts < 0:
		return errors.New("client.max_reuse_attempts must not be negative")
	case c.Client.ReadAhead < 0:
		return errors.New("client.read_ahead must not be negative")
	case c.Client.Loops < 0 || c.Server.Loops < 0:
		return errors.New("loops must not be negative")
	case c.Server.Concurrency < 0:
		return errors.New("server.concurrency must not be negative")
	case c.Server.WriteBufferHighWaterMark > 0 &&
		c.Server.WriteBufferHighWaterMark <= c.Server.WriteBufferLowWaterMark:
		return errors.New("server.write_buffer_high_water_mark must be above the low water mark")
	}
	if c.Server.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
			return errors.Wrap(err, "server.listen")
		}
	}
	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return errors.Wrap(err, "metrics.listen")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return errors.New("metrics.path must start with /")
		}
	}
	return nil
}

// NewClient a client with its own pool built from the settings
func (c Client) NewClient() *client.Client {
	cl := &client.Client{
		Pool: &connpool.Pool{
			MaxIdleConnDuration: c.MaxIdleConnDuration,
			MaxIdleConnsPerHost: c.MaxIdleConnsPerHost,
			MaxReuseAttempts:    c.MaxReuseAttempts,
		},
		DialTimeout:   c.DialTimeout,
		ReadTimeout:   c.ReadTimeout,
		WriteTimeout:  c.WriteTimeout,
		ReadAhead:     c.ReadAhead,
		FlushPerWrite: c.FlushPerWrite,
	}
	if c.Loops > 0 {
		cl.Loops = transport.NewLoopGroup(c.Loops)
	}
	if len(c.AcceptEncoding) > 0 {
		cl.Features = append(cl.Features, client.AcceptEncoding(c.AcceptEncoding...))
	}
	return cl
}

// NewServer a server on ln built from the settings
func (s Server) NewServer(ln net.Listener, handler server.Handler) *server.Server {
	srv := &server.Server{
		Listener:    ln,
		Handler:     handler,
		Concurrency: s.Concurrency,
		ServiceName: s.ServiceName,
		Options: transport.Options{
			ReadTimeout:              s.ReadTimeout,
			WriteTimeout:             s.WriteTimeout,
			IdleTimeout:              s.IdleTimeout,
			WriteBufferLowWaterMark:  s.WriteBufferLowWaterMark,
			WriteBufferHighWaterMark: s.WriteBufferHighWaterMark,
		},
	}
	if s.Loops > 0 {
		srv.Loops = transport.NewLoopGroup(s.Loops)
	}
	return srv
}
