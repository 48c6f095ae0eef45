/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dadns

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DAClient talks to a single DirectAdmin server. It handles two
// authentication modes transparently: HTTP Basic (classic DA and API-only
// access) and a session cookie obtained via CMD_LOGIN (DA Evolution, which
// redirects Basic Auth requests to its login page).
type DAClient struct {
	Hostname string
	Port     int
	Username string
	Password string

	baseURL  string
	client   *http.Client
	loggedIn bool
}

// NewDAClient builds a client for one upstream panel. Redirects are never
// followed automatically so the Basic-Auth to cookie upgrade stays visible
// to the caller.
func NewDAClient(cfg DAServerConf, verifySSL bool) *DAClient {
	scheme := "http"
	if cfg.Ssl {
		scheme = "https"
	}
	port := cfg.Port
	if port == 0 {
		port = 2222
	}

	jar, _ := cookiejar.New(nil)
	transport := &http.Transport{}
	if !verifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &DAClient{
		Hostname: cfg.Hostname,
		Port:     port,
		Username: cfg.Username,
		Password: cfg.Password,
		baseURL:  fmt.Sprintf("%s://%s:%d", scheme, cfg.Hostname, port),
		client: &http.Client{
			Timeout:   30 * time.Second,
			Jar:       jar,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Host returns the panel hostname this client is bound to.
func (c *DAClient) Host() string {
	return c.Hostname
}

// Get issues an authenticated GET to a DA CMD_* endpoint. Session cookies
// are used once Login has succeeded, Basic Auth before that.
func (c *DAClient) Get(command string, params url.Values) (*http.Response, error) {
	u := c.baseURL + "/" + command
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if !c.loggedIn {
		req.SetBasicAuth(c.Username, c.Password)
	}
	return c.client.Do(req)
}

// Post issues an authenticated form POST to a DA CMD_* endpoint.
func (c *DAClient) Post(command string, data url.Values) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/"+command,
		strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if !c.loggedIn {
		req.SetBasicAuth(c.Username, c.Password)
	}
	return c.client.Do(req)
}

func isRedirect(code int) bool {
	switch code {
	case 301, 302, 303, 307, 308:
		return true
	}
	return false
}

// Login obtains a DA Evolution session cookie via CMD_LOGIN. The cookie jar
// carries it on all subsequent requests.
func (c *DAClient) Login() error {
	resp, err := c.client.PostForm(c.baseURL+"/CMD_LOGIN", url.Values{
		"username": {c.Username},
		"password": {c.Password},
		"referer":  {"/CMD_DNS_ADMIN?json=yes&page=1&ipp=500"},
	})
	if err != nil {
		return fmt.Errorf("da %s: session login failed: %w", c.Hostname, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if len(resp.Cookies()) == 0 {
		return fmt.Errorf("da %s: CMD_LOGIN returned no session cookie, check username/password",
			c.Hostname)
	}
	c.loggedIn = true
	log.Printf("da %s: session login successful (DA Evo)", c.Hostname)
	return nil
}

// ListDomains walks the paginated CMD_DNS_ADMIN JSON listing and returns the
// full set of domains the panel serves, lowercased. Any failure (connection,
// TLS, HTTP error, HTML instead of API output) yields a nil set and an
// error; there is no partial success.
func (c *DAClient) ListDomains(ipp int) (map[string]bool, error) {
	if ipp == 0 {
		ipp = 1000
	}
	domains := map[string]bool{}
	page := 1
	totalPages := 1

	for page <= totalPages {
		resp, err := c.Get("CMD_DNS_ADMIN", url.Values{
			"json": {"yes"},
			"page": {strconv.Itoa(page)},
			"ipp":  {strconv.Itoa(ipp)},
		})
		if err != nil {
			return nil, fmt.Errorf("da %s: cannot reach server: %w", c.Hostname, err)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("da %s: reading response: %w", c.Hostname, err)
		}

		if isRedirect(resp.StatusCode) {
			if c.loggedIn {
				return nil, fmt.Errorf("da %s: still redirecting after session login, check that %q has admin-level access",
					c.Hostname, c.Username)
			}
			log.Printf("da %s: Basic Auth redirected (HTTP %d), attempting session login (DA Evo)",
				c.Hostname, resp.StatusCode)
			if err := c.Login(); err != nil {
				return nil, err
			}
			continue // retry this page with cookies
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("da %s: HTTP %d from CMD_DNS_ADMIN", c.Hostname, resp.StatusCode)
		}
		if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
			return nil, fmt.Errorf("da %s: returned HTML instead of API response, check credentials and admin-level access",
				c.Hostname)
		}

		var data map[string]interface{}
		if err := json.Unmarshal(body, &data); err != nil {
			// Legacy URL-encoded format. No paging in legacy mode.
			log.Printf("da %s: JSON decode failed on page %d, trying legacy parser: %v",
				c.Hostname, page, err)
			for _, d := range parseLegacyDomainList(string(body)) {
				domains[d] = true
			}
			break
		}

		for k, v := range data {
			if !isDigits(k) {
				continue
			}
			entry, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			if d, ok := entry["domain"].(string); ok {
				domains[strings.ToLower(strings.TrimSpace(d))] = true
			}
		}
		if info, ok := data["info"].(map[string]interface{}); ok {
			totalPages = intField(info, "total_pages", 1)
		}
		page++
	}

	return domains, nil
}

// GetExtraDNSServers returns the Extra DNS server map from CMD_MULTI_SERVER,
// keyed by server hostname or IP. Failures yield an empty map.
func (c *DAClient) GetExtraDNSServers() map[string]map[string]interface{} {
	resp, err := c.Get("CMD_MULTI_SERVER", url.Values{"json": {"yes"}})
	if err != nil {
		log.Printf("da %s: CMD_MULTI_SERVER GET failed: %v", c.Hostname, err)
		return map[string]map[string]interface{}{}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("da %s: CMD_MULTI_SERVER GET failed: HTTP %d", c.Hostname, resp.StatusCode)
		return map[string]map[string]interface{}{}
	}

	var data struct {
		Servers map[string]map[string]interface{} `json:"servers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		log.Printf("da %s: CMD_MULTI_SERVER parse error: %v", c.Hostname, err)
		return map[string]map[string]interface{}{}
	}
	if data.Servers == nil {
		return map[string]map[string]interface{}{}
	}
	return data.Servers
}

// AddExtraDNSServer registers a new Extra DNS server via CMD_MULTI_SERVER
// action=add.
func (c *DAClient) AddExtraDNSServer(ip string, port int, user, passwd string, ssl bool) bool {
	resp, err := c.Post("CMD_MULTI_SERVER", url.Values{
		"action": {"add"},
		"json":   {"yes"},
		"ip":     {ip},
		"port":   {strconv.Itoa(port)},
		"user":   {user},
		"passwd": {passwd},
		"ssl":    {yesno(ssl)},
	})
	if err != nil || resp.StatusCode != http.StatusOK {
		log.Printf("da %s: CMD_MULTI_SERVER add failed for %s", c.Hostname, ip)
		if resp != nil {
			resp.Body.Close()
		}
		return false
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		log.Printf("da %s: CMD_MULTI_SERVER add parse error: %v", c.Hostname, err)
		return false
	}
	if result["success"] != nil && result["success"] != "" && result["success"] != false {
		log.Printf("da %s: added Extra DNS server %s", c.Hostname, ip)
		return true
	}
	log.Printf("da %s: CMD_MULTI_SERVER add error: %v", c.Hostname, result["result"])
	return false
}

// EnsureExtraDNSServer adds this node as an Extra DNS server if absent, then
// saves its settings with dns=yes and domain_check=yes so the panel pushes
// zone updates here.
func (c *DAClient) EnsureExtraDNSServer(ip string, port int, user, passwd string, ssl bool) bool {
	servers := c.GetExtraDNSServers()
	if _, known := servers[ip]; !known {
		if !c.AddExtraDNSServer(ip, port, user, passwd, ssl) {
			return false
		}
	}

	resp, err := c.Post("CMD_MULTI_SERVER", url.Values{
		"action":               {"multiple"},
		"save":                 {"yes"},
		"json":                 {"yes"},
		"passwd":               {""},
		"select0":              {ip},
		"port-" + ip:           {strconv.Itoa(port)},
		"user-" + ip:           {user},
		"ssl-" + ip:            {yesno(ssl)},
		"dns-" + ip:            {"yes"},
		"domain_check-" + ip:   {"yes"},
		"user_check-" + ip:     {"no"},
		"email-" + ip:          {"no"},
		"show_all_users-" + ip: {"no"},
	})
	if err != nil || resp.StatusCode != http.StatusOK {
		log.Printf("da %s: CMD_MULTI_SERVER save failed for %s", c.Hostname, ip)
		if resp != nil {
			resp.Body.Close()
		}
		return false
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		log.Printf("da %s: CMD_MULTI_SERVER save parse error: %v", c.Hostname, err)
		return false
	}
	if result["success"] != nil && result["success"] != "" && result["success"] != false {
		log.Printf("da %s: Extra DNS server %s configured (dns=yes domain_check=yes)", c.Hostname, ip)
		return true
	}
	log.Printf("da %s: CMD_MULTI_SERVER save error: %v", c.Hostname, result["result"])
	return false
}

// parseLegacyDomainList handles DA's legacy URL-encoded response,
// "list[]=example.com&list[]=example2.com", optionally newline-separated
// instead of ampersand-separated.
func parseLegacyDomainList(body string) []string {
	normalized := strings.Trim(strings.ReplaceAll(body, "\n", "&"), "&")
	params, err := url.ParseQuery(normalized)
	if err != nil {
		return nil
	}
	var domains []string
	for _, d := range params["list[]"] {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			domains = append(domains, d)
		}
	}
	return domains
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// intField tolerates both JSON numbers and string-typed numbers, which DA
// mixes freely.
func intField(m map[string]interface{}, key string, dflt int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return dflt
}

func yesno(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
