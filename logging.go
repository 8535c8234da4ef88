package main

import (
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type logLevel int

const (
	levelDEBUG logLevel = iota
	levelINFO
	levelWARN
	levelERROR
)

// Prefer lowercase env for parity with docker-compose; fall back to uppercase.
// main re-applies both from config once it is loaded.
var (
	curLevel             = parseLogLevel(firstNonEmpty(os.Getenv("log_level"), os.Getenv("LOG_LEVEL")))
	trustedProxyNetworks = parseTrustedProxies(os.Getenv("TRUSTED_PROXY_CIDRS"))
	logger               = newLogger(curLevel, "")
)

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseLogLevel(s string) logLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return levelDEBUG
	case "WARN", "WARNING":
		return levelWARN
	case "ERROR":
		return levelERROR
	default:
		return levelINFO
	}
}

func (l logLevel) zap() zapcore.Level {
	switch l {
	case levelDEBUG:
		return zapcore.DebugLevel
	case levelWARN:
		return zapcore.WarnLevel
	case levelERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// newLogger writes console-encoded lines to stderr and, when file is set,
// JSON lines to a rotated file.
func newLogger(level logLevel, file string) *zap.SugaredLogger {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeLevel = zapcore.CapitalLevelEncoder

	lvl := zap.NewAtomicLevelAt(level.zap())
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), lvl),
	}
	if file = strings.TrimSpace(file); file != "" {
		rotator := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(rotator), lvl))
	}
	return zap.New(zapcore.NewTee(cores...)).Sugar()
}

// initLogging swaps the process logger once config is known.
func initLogging(level, file string) {
	curLevel = parseLogLevel(level)
	_ = logger.Sync()
	logger = newLogger(curLevel, file)
}

func lvlOK(want logLevel) bool { return curLevel <= want }

func Debugf(format string, v ...any) {
	if lvlOK(levelDEBUG) {
		logger.Debugf(format, v...)
	}
}
func Infof(format string, v ...any) {
	if lvlOK(levelINFO) {
		logger.Infof(format, v...)
	}
}
func Warnf(format string, v ...any) {
	if lvlOK(levelWARN) {
		logger.Warnf(format, v...)
	}
}
func Errorf(format string, v ...any) {
	if lvlOK(levelERROR) {
		logger.Errorf(format, v...)
	}
}

// Wrap the app to emit per-request logs in DEBUG.
func WithRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !lvlOK(levelDEBUG) {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rec, r)
		dur := time.Since(start).Round(time.Millisecond)
		Debugf(`http %s %s -> %d %dB in %s ua=%q ip=%s`,
			r.Method, r.URL.RequestURI(), rec.status, rec.written, dur, r.UserAgent(), clientIP(r))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int
}

func (s *statusRecorder) WriteHeader(code int) { s.status = code; s.ResponseWriter.WriteHeader(code) }
func (s *statusRecorder) Write(b []byte) (int, error) {
	n, err := s.ResponseWriter.Write(b)
	s.written += n
	return n, err
}

// clientIP trusts X-Forwarded-For and X-Real-IP only from TRUSTED_PROXY_CIDRS.
func clientIP(r *http.Request) string {
	remoteHost, remoteIP := normalizeRemoteAddr(r.RemoteAddr)
	if remoteIP == nil {
		return remoteHost
	}
	if len(trustedProxyNetworks) == 0 || !isTrustedProxy(remoteIP) {
		return remoteIP.String()
	}
	if ip := clientIPFromForwarded(r.Header.Get("X-Forwarded-For")); ip != "" {
		return ip
	}
	if ip := parseIPCandidate(r.Header.Get("X-Real-IP")); ip != nil {
		return ip.String()
	}
	return remoteIP.String()
}

// clientIPFromForwarded walks the chain right to left and returns the first
// hop that is not one of our proxies.
func clientIPFromForwarded(header string) string {
	var parts []string
	for _, p := range strings.Split(header, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	for i := len(parts) - 1; i >= 0; i-- {
		if ip := parseIPCandidate(parts[i]); ip != nil && !isTrustedProxy(ip) {
			return ip.String()
		}
	}
	for _, part := range parts {
		if ip := parseIPCandidate(part); ip != nil {
			return ip.String()
		}
	}
	return ""
}

func normalizeRemoteAddr(addr string) (string, net.IP) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", nil
	}
	if ip := parseIPCandidate(addr); ip != nil {
		return ip.String(), ip
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return addr, nil
	}
	return host, nil
}

func parseIPCandidate(raw string) net.IP {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	// zone suffix on IPv6 literals
	if i := strings.Index(raw, "%"); i != -1 && strings.Count(raw, ":") >= 2 {
		raw = raw[:i]
	}
	if ip := net.ParseIP(raw); ip != nil {
		return ip
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		return parseIPCandidate(host)
	}
	return nil
}

func isTrustedProxy(ip net.IP) bool {
	for _, network := range trustedProxyNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// parseTrustedProxies accepts CIDRs and bare IPs separated by commas.
func parseTrustedProxies(raw string) []*net.IPNet {
	var networks []*net.IPNet
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			_, network, err := net.ParseCIDR(part)
			if err != nil {
				Warnf("Invalid TRUSTED_PROXY_CIDRS entry %q: %v", part, err)
				continue
			}
			networks = append(networks, network)
			continue
		}
		ip := parseIPCandidate(part)
		if ip == nil {
			Warnf("Invalid TRUSTED_PROXY_CIDRS entry %q: not an IP or CIDR", part)
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			networks = append(networks, &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)})
			continue
		}
		networks = append(networks, &net.IPNet{IP: ip.To16(), Mask: net.CIDRMask(128, 128)})
	}
	return networks
}
