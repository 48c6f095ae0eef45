/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dadns

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func WalkRoutes(router *mux.Router, address string) {
	log.Printf("Defined API endpoints for router on: %s\n", address)

	walker := func(route *mux.Route, router *mux.Router, ancestors []*mux.Route) error {
		path, _ := route.GetPathTemplate()
		methods, _ := route.GetMethods()
		for m := range methods {
			log.Printf("%-6s %s\n", methods[m], path)
		}
		return nil
	}
	if err := router.Walk(walker); err != nil {
		log.Panicf("Logging err: %s\n", err.Error())
	}
}

// BasicAuth gates a subrouter on one username/password pair using
// constant-time comparison.
func BasicAuth(username, password string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(user), []byte(username)) != 1 ||
				subtle.ConstantTimeCompare([]byte(pass), []byte(password)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="dadns"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func serverHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "DirectDNS v"+Version)
		next.ServeHTTP(w, r)
	})
}

// SetupRouter builds the full route table: the DirectAdmin-facing ingress
// endpoints and operational endpoints behind the app credentials, and the
// node-to-node /internal endpoints behind the peer_sync credentials (falling
// back to the app pair when none are configured).
func SetupRouter(conf *Config) (*mux.Router, error) {
	if conf.App.AuthUsername == "" || conf.App.AuthPassword == "" {
		return nil, fmt.Errorf("app.auth_username and app.auth_password must be set")
	}

	r := mux.NewRouter().StrictSlash(true)
	r.Use(serverHeader)

	appAuth := BasicAuth(conf.App.AuthUsername, conf.App.AuthPassword)

	main := r.NewRoute().Subrouter()
	main.Use(appAuth)
	main.HandleFunc("/CMD_API_LOGIN_TEST", APIloginTest()).Methods("GET")
	main.HandleFunc("/CMD_API_DNS_ADMIN", APIdnsAdmin(conf)).Methods("GET", "POST")
	main.HandleFunc("/status", APIstatus(conf)).Methods("GET")
	main.HandleFunc("/health", APIhealth(conf.Internal.Registry)).Methods("GET")
	main.HandleFunc("/queue_status", APIqueueStatus(conf.Internal.Workers)).Methods("GET")
	main.Handle("/metrics", promhttp.Handler()).Methods("GET")

	peerUser := conf.PeerSync.AuthUsername
	peerPass := conf.PeerSync.AuthPassword
	if peerUser == "" {
		peerUser = conf.App.AuthUsername
		peerPass = conf.App.AuthPassword
	}
	internal := r.PathPrefix("/internal").Subrouter()
	internal.Use(BasicAuth(peerUser, peerPass))
	internal.HandleFunc("/zones", APIinternalZones(conf.Internal.Catalog)).Methods("GET")
	internal.HandleFunc("/peers", APIinternalPeers(conf.Internal.PeerSync)).Methods("GET")

	return r, nil
}

// APIdispatcher runs the HTTP(S) server on app.listen_port and shuts it
// down gracefully when the stop channel closes.
func APIdispatcher(conf *Config, router *mux.Router, done <-chan struct{}) error {
	address := fmt.Sprintf(":%d", conf.App.ListenPort)

	WalkRoutes(router, address)
	log.Println("")

	srv := &http.Server{
		Addr:    address,
		Handler: router,
	}
	if conf.App.SslEnable {
		tlsconf, err := serverTLSConfig(conf.App)
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsconf
	}

	go func(srv *http.Server) {
		var err error
		if conf.App.SslEnable {
			log.Printf("Starting API dispatcher (TLS). Listening on '%s'\n", srv.Addr)
			err = srv.ListenAndServeTLS("", "")
		} else {
			log.Printf("Starting API dispatcher. Listening on '%s'\n", srv.Addr)
			err = srv.ListenAndServe()
		}
		if err != http.ErrServerClosed {
			log.Fatalf("APIdispatcher: %v", err)
		}
	}(srv)

	go func() {
		<-done
		log.Println("Shutting down API server...")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Printf("API server Shutdown: %v", err)
		}
	}()

	return nil
}

// serverTLSConfig loads the server certificate, appending the CA bundle to
// the served chain when app.ssl_bundle is configured.
func serverTLSConfig(app AppConf) (*tls.Config, error) {
	certPEM, err := os.ReadFile(app.SslCert)
	if err != nil {
		return nil, fmt.Errorf("serverTLSConfig: reading ssl_cert: %w", err)
	}
	if app.SslBundle != "" {
		bundle, err := os.ReadFile(app.SslBundle)
		if err != nil {
			return nil, fmt.Errorf("serverTLSConfig: reading ssl_bundle: %w", err)
		}
		certPEM = append(append(certPEM, '\n'), bundle...)
	}
	keyPEM, err := os.ReadFile(app.SslKey)
	if err != nil {
		return nil, fmt.Errorf("serverTLSConfig: reading ssl_key: %w", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("serverTLSConfig: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
