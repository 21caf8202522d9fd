// Package config defines the daemon's runtime parameter surface
// (spec.md §6 "Configuration surface", extended per SPEC_FULL §12) and
// binds it to command-line flags and environment variables in the
// style of the teacher's pkg/process.Bind/Exec: a single Config struct
// with `default`/`help` struct tags, flags registered on a
// github.com/spf13/cobra.Command, and github.com/spf13/viper supplying
// environment-variable overrides for anything not passed explicitly on
// the command line.
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"

	"github.com/cacheforge/vcache/internal/size"
)

// Error is the class for config binding/parsing failures.
var Error = errs.Class("config")

// EnvPrefix is prepended (as VCACHED_FIELD_NAME) to every bound field
// when resolving environment-variable overrides.
const EnvPrefix = "VCACHED"

// Config is the full runtime parameter surface: the daemon's listen and
// backend addresses first, then the tunable parameters.
type Config struct {
	ListenAddr  string `default:":8080" help:"HTTP frontend listen address"`
	BackendAddr string `default:"" help:"backend address to direct-dial (host:port); empty disables fetching"`

	MaxRestarts int `default:"3" help:"maximum RESTART transitions per request (spec.md §4.6)"`
	MaxESIDepth int `default:"5" help:"maximum nested ESI include recursion depth"`

	PoolMin     int     `default:"5" help:"worker pool minimum thread count"`
	PoolMax     int     `default:"500" help:"worker pool maximum thread count"`
	PoolReserve int     `default:"10" help:"workers reserved for BO (busy-object fetch) tasks"`
	AdmitRate   float64 `default:"1000" help:"REQ/STR admission token-bucket refill rate, tokens/sec"`
	AdmitBurst  int     `default:"100" help:"REQ/STR admission token-bucket burst size"`

	WorkspaceClient  size.Size `default:"64KB" help:"per-session client workspace size"`
	WorkspaceBackend size.Size `default:"64KB" help:"per-session backend workspace size"`
	HTTPReqSize      size.Size `default:"8KB" help:"maximum size of a client request line plus headers"`
	HTTPRespSize     size.Size `default:"16KB" help:"maximum size of a backend response line plus headers"`
	HTTPMaxHdr       int       `default:"64" help:"maximum number of request/response headers"`

	TimeoutIdle         time.Duration `default:"5s" help:"idle session timeout"`
	TimeoutLinger       time.Duration `default:"50ms" help:"linger timeout after a connection is scheduled to close"`
	TimeoutReq          time.Duration `default:"2s" help:"time allowed to receive a full request"`
	BetweenBytesTimeout time.Duration `default:"60s" help:"timeout between successive body bytes"`
	FirstByteTimeout    time.Duration `default:"60s" help:"timeout waiting for the backend's first response byte"`
	ConnectTimeout      time.Duration `default:"3.5s" help:"backend connect timeout"`

	ShortLived time.Duration `default:"10s" help:"TTL below which objects use transient rather than LRU-tracked storage"`
	LRUTimeout time.Duration `default:"1s" help:"minimum interval between LRU touches for one object"`
	BanCutoff  time.Duration `default:"0s" help:"bans older than this are dropped unevaluated; 0 disables cutoff"`
	ClockStep  time.Duration `default:"1s" help:"clock steps larger than this are logged and clamped"`

	HTTPRangeSupport bool `default:"true" help:"honor client Range requests"`
	HTTPGzipSupport  bool `default:"true" help:"negotiate gzip with backends and ungzip on demand"`

	HfpTTL             time.Duration `default:"2s" help:"hit-for-pass/hit-for-miss decision cache TTL"`
	BanLurkerSleep     time.Duration `default:"1s" help:"interval between background ban-lurker sweeps"`
	ExpirySweepInterval time.Duration `default:"1s" help:"interval between background expiry-heap sweeps"`

	DefaultGrace time.Duration `default:"10s" help:"grace window applied to a fetch when neither a response header nor a directive supplies one"`
	DefaultKeep  time.Duration `default:"0s" help:"keep window applied to a fetch when neither a response header nor a directive supplies one"`
}

// Bind registers one flag per Config field on cmd, using each field's
// `default` tag as the flag default and `help` tag as its usage string.
// Flags write directly into cfg's fields, matching pkg/process.Bind's
// shape of binding flags straight to the config struct rather than to
// an intermediate map.
func Bind(cmd *cobra.Command, cfg *Config) error {
	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()
	flags := cmd.Flags()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name := flagName(field.Name)
		def := field.Tag.Get("default")
		help := field.Tag.Get("help")
		fv := v.Field(i)

		switch ptr := fv.Addr().Interface().(type) {
		case *string:
			flags.StringVar(ptr, name, def, help)
		case *int:
			d, err := strconv.Atoi(def)
			if err != nil {
				return Error.Wrap(err)
			}
			flags.IntVar(ptr, name, d, help)
		case *float64:
			d, err := strconv.ParseFloat(def, 64)
			if err != nil {
				return Error.Wrap(err)
			}
			flags.Float64Var(ptr, name, d, help)
		case *bool:
			d, err := strconv.ParseBool(def)
			if err != nil {
				return Error.Wrap(err)
			}
			flags.BoolVar(ptr, name, d, help)
		case *time.Duration:
			d, err := time.ParseDuration(def)
			if err != nil {
				return Error.Wrap(err)
			}
			flags.DurationVar(ptr, name, d, help)
		case *size.Size:
			if err := ptr.Set(def); err != nil {
				return Error.Wrap(err)
			}
			flags.Var(ptr, name, help)
		default:
			return Error.New("unsupported config field type for %s", field.Name)
		}
	}
	return nil
}

// Exec parses args against cmd (whose flags were registered via Bind),
// then applies an environment-variable override — VCACHED_<FIELD_NAME>
// — for every field the command line left at its default, via
// github.com/spf13/viper's AutomaticEnv. This mirrors pkg/process.Exec's
// precedence: explicit flags win, then environment, then the default
// baked in by Bind.
func Exec(cmd *cobra.Command, cfg *Config, args []string) error {
	cmd.SetArgs(args)
	if err := cmd.ParseFlags(args); err != nil {
		return Error.Wrap(err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	rv := reflect.ValueOf(cfg).Elem()
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		name := flagName(field.Name)
		if cmd.Flags().Changed(name) {
			continue
		}
		key := envKey(field.Name)
		raw, ok := lookupEnv(v, key)
		if !ok {
			continue
		}
		if err := assign(rv.Field(i), raw); err != nil {
			return Error.Wrap(err)
		}
	}

	if cmd.RunE != nil {
		return cmd.RunE(cmd, args)
	}
	return nil
}

func lookupEnv(v *viper.Viper, key string) (string, bool) {
	val := v.Get(key)
	if val == nil {
		return "", false
	}
	return fmt.Sprintf("%v", val), true
}

func assign(fv reflect.Value, raw string) error {
	switch ptr := fv.Addr().Interface().(type) {
	case *string:
		*ptr = raw
	case *int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		*ptr = n
	case *float64:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		*ptr = n
	case *bool:
		n, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		*ptr = n
	case *time.Duration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*ptr = d
	case *size.Size:
		return ptr.Set(raw)
	default:
		return Error.New("unsupported config field type")
	}
	return nil
}

// flagName converts a Go field name (PoolMax) to a kebab-case flag name
// (pool-max).
func flagName(field string) string {
	return toDelimited(field, '-')
}

// envKey converts a Go field name (PoolMax) to the viper lookup key
// AutomaticEnv resolves against VCACHED_POOL_MAX.
func envKey(field string) string {
	return toDelimited(field, '_')
}

// toDelimited splits a Go identifier into sep-joined lowercase words,
// treating a run of capitals as one acronym word (HTTPReqSize ->
// http-req-size, not h-t-t-p-...) by only breaking where a lowercase
// run ends or an acronym run hands off to a new capitalized word.
func toDelimited(field string, sep byte) string {
	runes := []rune(field)
	out := make([]byte, 0, len(field)+4)
	for i, r := range runes {
		isUpper := r >= 'A' && r <= 'Z'
		if i > 0 && isUpper {
			prevUpper := runes[i-1] >= 'A' && runes[i-1] <= 'Z'
			nextLower := i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z'
			if !prevUpper || nextLower {
				out = append(out, sep)
			}
		}
		if isUpper {
			r += 'a' - 'A'
		}
		out = append(out, byte(r))
	}
	return string(out)
}
