// Package transport builds a Transport for an endpoint URI. The URI scheme
// selects the medium; the Options carry everything else.
package transport

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/RobertWHurst/idmefv2transport"
	"github.com/RobertWHurst/idmefv2transport/codec"
	"github.com/RobertWHurst/idmefv2transport/internal/transport/amqptransport"
	"github.com/RobertWHurst/idmefv2transport/internal/transport/httptransport"
	"github.com/RobertWHurst/idmefv2transport/internal/transport/kafkatransport"
	"github.com/RobertWHurst/idmefv2transport/internal/transport/natstransport"
	"github.com/RobertWHurst/idmefv2transport/internal/transport/redistransport"
	"github.com/RobertWHurst/idmefv2transport/internal/transport/wstransport"
)

type constructor func(*url.URL, *idmefv2transport.Sink, idmefv2transport.Options) (idmefv2transport.Transport, error)

func adapt[T idmefv2transport.Transport](fn func(*url.URL, *idmefv2transport.Sink, idmefv2transport.Options) (T, error)) constructor {
	return func(uri *url.URL, sink *idmefv2transport.Sink, opts idmefv2transport.Options) (idmefv2transport.Transport, error) {
		t, err := fn(uri, sink, opts)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

var constructors = map[string]constructor{
	"http":   adapt(httptransport.New),
	"https":  adapt(httptransport.New),
	"ws":     adapt(wstransport.New),
	"wss":    adapt(wstransport.New),
	"kafka":  adapt(kafkatransport.New),
	"nats":   adapt(natstransport.New),
	"amqp":   adapt(amqptransport.New),
	"amqps":  adapt(amqptransport.New),
	"redis":  adapt(redistransport.New),
	"rediss": adapt(redistransport.New),
}

// Get returns an unstarted Transport for rawURI. When sink is not nil the
// transport also receives, delivering decoded messages to sink once started.
// A nil opts.Codec selects codec.Default and a nil opts.Logger selects zap.L().
// Get performs no network I/O.
func Get(rawURI string, sink *idmefv2transport.Sink, opts idmefv2transport.Options) (idmefv2transport.Transport, error) {
	uri, err := parseURI(rawURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", idmefv2transport.ErrConfiguration, err)
	}

	scheme := strings.ToLower(uri.Scheme)
	newTransport, ok := constructors[scheme]
	if !ok {
		if scheme == "" {
			return nil, fmt.Errorf("%w: no scheme in %q", idmefv2transport.ErrUnknownScheme, rawURI)
		}
		return nil, fmt.Errorf("%w: %s", idmefv2transport.ErrUnknownScheme, scheme)
	}
	uri.Scheme = scheme

	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	return newTransport(uri, sink, opts)
}

// parseURI parses rawURI like url.Parse, and also accepts an authority
// listing several hosts, as in kafka://b1:9092,b2, which url.Parse rejects
// when a host before the last carries a port. Such a URI keeps the whole list
// in Host.
func parseURI(rawURI string) (*url.URL, error) {
	uri, err := url.Parse(rawURI)
	if err == nil {
		return uri, nil
	}

	scheme, rest, ok := strings.Cut(rawURI, "://")
	if !ok {
		return nil, err
	}
	end := strings.IndexAny(rest, "/?#")
	if end < 0 {
		end = len(rest)
	}
	authority, tail := rest[:end], rest[end:]
	userinfo := ""
	if at := strings.LastIndex(authority, "@"); at >= 0 {
		userinfo, authority = authority[:at+1], authority[at+1:]
	}
	if !strings.Contains(authority, ",") {
		return nil, err
	}

	uri, perr := url.Parse(scheme + "://" + userinfo + "placeholder" + tail)
	if perr != nil {
		return nil, err
	}
	uri.Host = authority
	return uri, nil
}

// Schemes returns the URI schemes Get accepts, sorted.
func Schemes() []string {
	schemes := make([]string, 0, len(constructors))
	for scheme := range constructors {
		schemes = append(schemes, scheme)
	}
	slices.Sort(schemes)
	return schemes
}
