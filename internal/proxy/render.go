package proxy

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/siteops/internal/models"
)

var domainPattern = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,63}$`)

const siteTemplate = `# Managed by siteops. Manual changes are overwritten.
{{- range .Upstreams }}

upstream {{ .Name }} {
    server {{ .Address }};
    keepalive 16;
}
{{- end }}
{{- range .Servers }}
{{- $srv := . }}

server {
    listen 80;
    listen [::]:80;
    server_name {{ .Domain }};

    location /.well-known/acme-challenge/ {
        root {{ $.Webroot }};
    }
{{- if .TLS }}

    location / {
        return 301 https://$host$request_uri;
    }
}

server {
    listen 443 ssl http2;
    listen [::]:443 ssl http2;
    server_name {{ .Domain }};

    ssl_certificate {{ .CertFile }};
    ssl_certificate_key {{ .KeyFile }};
    ssl_protocols TLSv1.2 TLSv1.3;
{{- end }}
{{- range .Paths }}

    location {{ . }} {
        proxy_pass http://{{ $srv.Upstream }};
        proxy_http_version 1.1;
        proxy_set_header Connection "";
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
        proxy_read_timeout 60s;
    }
{{- end }}
}
{{- end }}
`

var tmpl = template.Must(template.New("site").Parse(siteTemplate))

// CertSource resolves the certificate files for a domain. ok is false when
// no certificate has been issued yet.
type CertSource interface {
	Paths(domain string) (certFile, keyFile string, ok bool)
}

// ServiceLookup resolves route targets.
type ServiceLookup interface {
	Get(name string) (models.ServiceDescriptor, bool)
}

type upstreamView struct {
	Name    string
	Address string
}

type serverView struct {
	Domain   string
	Upstream string
	Paths    []string
	TLS      bool
	CertFile string
	KeyFile  string
}

type siteView struct {
	Webroot   string
	Upstreams []upstreamView
	Servers   []serverView
}

// checkRoutes rejects routing maps that cannot produce a working config.
func checkRoutes(routes models.RoutingMap, services ServiceLookup) error {
	if len(routes) == 0 {
		return &ValidationError{Reason: "routing map is empty"}
	}
	upstreams := map[string]string{}
	for _, domain := range routes.Domains() {
		route := routes[domain]
		if !domainPattern.MatchString(domain) {
			return &ValidationError{Reason: fmt.Sprintf("invalid domain %q", domain)}
		}
		if services != nil {
			if _, ok := services.Get(route.Service); !ok {
				return &ValidationError{Reason: fmt.Sprintf("domain %s routes to unknown service %q", domain, route.Service)}
			}
		}
		if route.Upstream == "" || strings.ContainsAny(route.Upstream, " ;{}") {
			return &ValidationError{Reason: fmt.Sprintf("domain %s has invalid upstream %q", domain, route.Upstream)}
		}
		if prev, ok := upstreams[route.Service]; ok && prev != route.Upstream {
			return &ValidationError{Reason: fmt.Sprintf("service %s has conflicting upstreams %s and %s", route.Service, prev, route.Upstream)}
		}
		upstreams[route.Service] = route.Upstream
		for _, p := range route.Paths {
			if !strings.HasPrefix(p, "/") || strings.ContainsAny(p, " ;{}") {
				return &ValidationError{Reason: fmt.Sprintf("domain %s has invalid path %q", domain, p)}
			}
		}
	}
	return nil
}

// Render produces the proxy configuration for a routing map. TLS server
// blocks are only emitted for domains whose certificate already exists;
// until then the domain is served over plain HTTP so the ACME challenge can
// be answered.
func Render(routes models.RoutingMap, certs CertSource, webroot string) ([]byte, error) {
	view := siteView{Webroot: webroot}
	seen := map[string]bool{}
	for _, domain := range routes.Domains() {
		route := routes[domain]
		name := upstreamName(route.Service)
		if !seen[name] {
			seen[name] = true
			view.Upstreams = append(view.Upstreams, upstreamView{Name: name, Address: route.Upstream})
		}
		paths := route.Paths
		if len(paths) == 0 {
			paths = []string{"/"}
		}
		srv := serverView{Domain: domain, Upstream: name, Paths: paths}
		if route.TLS && certs != nil {
			if cert, key, ok := certs.Paths(domain); ok {
				srv.TLS, srv.CertFile, srv.KeyFile = true, cert, key
			}
		}
		view.Servers = append(view.Servers, srv)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, view); err != nil {
		return nil, fmt.Errorf("failed to render proxy config: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func upstreamName(service string) string {
	var b strings.Builder
	b.WriteString("siteops_")
	for _, r := range service {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
