/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dadns

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	LogLevel      string `mapstructure:"log_level"`
	QueueLocation string `mapstructure:"queue_location" validate:"required"`
	Timezone      string `mapstructure:"timezone"`

	App            AppConf
	Dns            DnsConf
	Datastore      DatastoreConf
	Reconciliation ReconciliationConf
	PeerSync       PeerSyncConf `mapstructure:"peer_sync"`

	Log struct {
		File string
	}

	Internal InternalConf `mapstructure:"-"`
}

type AppConf struct {
	ListenPort       int    `mapstructure:"listen_port" validate:"required"`
	ProxySupport     bool   `mapstructure:"proxy_support"`
	ProxySupportBase string `mapstructure:"proxy_support_base"`
	SslEnable        bool   `mapstructure:"ssl_enable"`
	SslCert          string `mapstructure:"ssl_cert"`
	SslKey           string `mapstructure:"ssl_key"`
	SslBundle        string `mapstructure:"ssl_bundle"`
	AuthUsername     string `mapstructure:"auth_username" validate:"required"`
	AuthPassword     string `mapstructure:"auth_password" validate:"required"`
	AdvertiseIP      string `mapstructure:"advertise_ip"`

	// 0 = classic parent check (exists=2), >= 1 = cluster-mode parent
	// check returning hostname+username (exists=3).
	CheckSubdomainOwnerInClusterDomainowners int `mapstructure:"check_subdomain_owner_in_cluster_domainowners"`
}

type DnsConf struct {
	Backends map[string]BackendConf
}

// BackendConf carries the union of the per-type backend settings; each
// backend constructor reads only the keys that apply to it.
type BackendConf struct {
	Type    string
	Enabled bool

	// zone-file daemons
	ZonesDir  string `mapstructure:"zones_dir"`
	NamedConf string `mapstructure:"named_conf"`
	NsdConf   string `mapstructure:"nsd_conf"`

	// record databases
	Driver    string
	Host      string
	Port      int
	Database  string
	Username  string
	Password  string
	TableName string `mapstructure:"table_name"`

	// PowerDNS HTTP API
	ApiUrl     string `mapstructure:"api_url"`
	ApiKey     string `mapstructure:"api_key"`
	Vhost      string
	SkipVerify bool `mapstructure:"skip_verify"`
}

type DatastoreConf struct {
	Type       string `validate:"required"`
	DbLocation string `mapstructure:"db_location"`
	Host       string
	Port       int
	User       string
	Pass       string
	Name       string
}

type DAServerConf struct {
	Hostname string `validate:"required"`
	Port     int
	Username string
	Password string
	Ssl      bool
}

type ReconciliationConf struct {
	Enabled             bool
	DryRun              bool `mapstructure:"dry_run"`
	IntervalMinutes     int  `mapstructure:"interval_minutes"`
	InitialDelayMinutes int  `mapstructure:"initial_delay_minutes"`
	VerifySsl           bool `mapstructure:"verify_ssl"`
	Ipp                 int
	RegisterSelf        bool           `mapstructure:"register_self"`
	DirectadminServers  []DAServerConf `mapstructure:"directadmin_servers"`
}

type PeerConf struct {
	Url      string `validate:"required"`
	Username string
	Password string
}

type PeerSyncConf struct {
	Enabled         bool
	IntervalMinutes int    `mapstructure:"interval_minutes"`
	AuthUsername    string `mapstructure:"auth_username"`
	AuthPassword    string `mapstructure:"auth_password"`
	Peers           []PeerConf
}

type InternalConf struct {
	Catalog    *Catalog
	Registry   *BackendRegistry
	Workers    *WorkerManager
	Reconciler *Reconciler
	PeerSync   *PeerSyncWorker
	APIStopCh  chan struct{}
}

// SetConfigDefaults registers the default value for every supported key.
// Callers that bypass ParseConfig (tests, CLI tools) can use it directly.
func SetConfigDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log.file", "logs/directdnsonly.log")
	viper.SetDefault("queue_location", "./data/queues")
	viper.SetDefault("timezone", "Pacific/Auckland")

	viper.SetDefault("app.listen_port", 2222)
	viper.SetDefault("app.proxy_support", true)
	viper.SetDefault("app.proxy_support_base", "http://127.0.0.1")
	viper.SetDefault("app.ssl_enable", false)
	viper.SetDefault("app.auth_username", "directdnsonly")
	viper.SetDefault("app.auth_password", "changeme")
	viper.SetDefault("app.check_subdomain_owner_in_cluster_domainowners", 0)

	viper.SetDefault("dns.backends.bind.enabled", false)
	viper.SetDefault("dns.backends.bind.type", "bind")
	viper.SetDefault("dns.backends.bind.zones_dir", "/etc/named/zones")
	viper.SetDefault("dns.backends.bind.named_conf", "/etc/named.conf.local")

	viper.SetDefault("dns.backends.nsd.enabled", false)
	viper.SetDefault("dns.backends.nsd.type", "nsd")
	viper.SetDefault("dns.backends.nsd.zones_dir", "/etc/nsd/zones")
	viper.SetDefault("dns.backends.nsd.nsd_conf", "/etc/nsd/nsd.conf.d/zones.conf")

	viper.SetDefault("dns.backends.coredns_mysql.enabled", false)
	viper.SetDefault("dns.backends.coredns_mysql.type", "coredns_mysql")
	viper.SetDefault("dns.backends.coredns_mysql.host", "localhost")
	viper.SetDefault("dns.backends.coredns_mysql.port", 3306)
	viper.SetDefault("dns.backends.coredns_mysql.database", "coredns")
	viper.SetDefault("dns.backends.coredns_mysql.username", "coredns")
	viper.SetDefault("dns.backends.coredns_mysql.password", "")
	viper.SetDefault("dns.backends.coredns_mysql.table_name", "records")

	viper.SetDefault("datastore.type", "sqlite")
	viper.SetDefault("datastore.port", 3306)
	viper.SetDefault("datastore.db_location", "data/directdns.db")

	viper.SetDefault("reconciliation.enabled", false)
	viper.SetDefault("reconciliation.dry_run", false)
	viper.SetDefault("reconciliation.interval_minutes", 60)
	viper.SetDefault("reconciliation.initial_delay_minutes", 0)
	viper.SetDefault("reconciliation.verify_ssl", true)
	viper.SetDefault("reconciliation.ipp", 1000)

	viper.SetDefault("peer_sync.enabled", false)
	viper.SetDefault("peer_sync.interval_minutes", 15)
	viper.SetDefault("peer_sync.auth_username", "peersync")
	viper.SetDefault("peer_sync.auth_password", "changeme")
}

// ParseConfig reads the config file (app.yaml), applies DADNS_* environment
// overrides and unmarshals into conf. A missing config file is not an error;
// the defaults cover a runnable single-node setup.
func ParseConfig(conf *Config, cfgfile string) error {
	viper.SetConfigName("app")
	if cfgfile != "" {
		viper.SetConfigFile(cfgfile)
	} else {
		viper.AddConfigPath("/etc/directdnsonly")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}
	viper.SetEnvPrefix("DADNS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	SetConfigDefaults()

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("ParseConfig: no config file found, using defaults (%v)", err)
	} else {
		log.Printf("ParseConfig: using config file %s", viper.ConfigFileUsed())
	}

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("ParseConfig: unmarshal error: %w", err)
	}

	if err := setTimezone(conf.Timezone); err != nil {
		return fmt.Errorf("ParseConfig: %w", err)
	}

	return ValidateConfig(conf, viper.ConfigFileUsed())
}

// setTimezone applies the configured timezone to the process so that all
// local timestamps (logs included) render in it, the way setting TZ would.
func setTimezone(tz string) error {
	if tz == "" {
		return nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("unknown timezone %q: %w", tz, err)
	}
	time.Local = loc
	log.Printf("ParseConfig: timezone is %s", tz)
	return nil
}

// ValidateConfig checks the required attributes section by section, the same
// way zones and services are validated elsewhere.
func ValidateConfig(conf *Config, cfgfile string) error {
	var configsections = make(map[string]interface{}, 5)

	configsections["app"] = conf.App
	configsections["datastore"] = conf.Datastore
	for i, s := range conf.Reconciliation.DirectadminServers {
		configsections[fmt.Sprintf("directadmin_server:%d", i)] = s
	}
	for i, p := range conf.PeerSync.Peers {
		configsections[fmt.Sprintf("peer:%d", i)] = p
	}

	validate := validator.New()
	for section, data := range configsections {
		if err := validate.Struct(data); err != nil {
			return fmt.Errorf("config %q, section %s: missing required attributes: %w",
				cfgfile, section, err)
		}
	}

	if conf.App.SslEnable {
		for _, f := range []string{conf.App.SslCert, conf.App.SslKey} {
			if f == "" {
				return fmt.Errorf("config %q: ssl_enable is set but ssl_cert/ssl_key are not", cfgfile)
			}
			if _, err := os.Stat(f); err != nil {
				return fmt.Errorf("config %q: ssl file %q: %w", cfgfile, f, err)
			}
		}
	}

	return nil
}
