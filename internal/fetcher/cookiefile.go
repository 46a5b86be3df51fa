package fetcher

import (
	"bufio"
	"net/http"
	"os"
	"strconv"
	"strings"
)

// parseNetscapeCookieFile reads a Netscape/cURL-format cookie file:
// domain, includeSubdomains, path, secure, expiry, name, value (tab-separated).
func parseNetscapeCookieFile(path string) (map[string][]*http.Cookie, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := map[string][]*http.Cookie{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 7 {
			continue
		}
		domain := strings.TrimPrefix(fields[0], ".")
		secure := strings.EqualFold(fields[3], "TRUE")
		var expires int64
		if v, err := strconv.ParseInt(fields[4], 10, 64); err == nil {
			expires = v
		}
		_ = expires // expiry enforcement is left to the server; we just forward the cookie
		c := &http.Cookie{
			Name:   fields[5],
			Value:  fields[6],
			Path:   fields[2],
			Secure: secure,
		}
		out[domain] = append(out[domain], c)
	}
	return out, scanner.Err()
}
