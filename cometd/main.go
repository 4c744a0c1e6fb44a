package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/flowtide/comet/bayeux"
	"github.com/flowtide/comet/pubsub"
)

const LocalVersion = "0.0.0-local"

func main() {
	usage := `Comet bayeux server.

Serves a shared tree of versioned json nodes to long-polling bayeux
clients on /bayeux.

Usage:
    cometd serve [--port=<port>] [--config=<config>]
        [--jwt_secret=<jwt_secret>]
        [--retain_nodes]
        [--websocket]
        [--no_authorization]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --config=<config>          Optional config file (yaml or toml).
    --jwt_secret=<jwt_secret>  Shared secret for handshake tokens. Pass - to prompt.
    --retain_nodes             Keep explicitly updated nodes without subscribers.
    --websocket                Accept the websocket connection type.
    --no_authorization         Do not authorize subscriptions with the adapter.
    -p --port=<port>           Listen port [default: 8080].`

	// glog flags from the environment, everything else from docopt
	flag.CommandLine.Parse([]string{"-logtostderr"})

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LocalVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")

	rootSettings := pubsub.DefaultRootSettings()
	settings := bayeux.DefaultSettings()

	if configPath, _ := opts.String("--config"); configPath != "" {
		loadConfig(configPath, rootSettings, settings)
	}

	if retain, _ := opts.Bool("--retain_nodes"); retain {
		rootSettings.RetainUnsubscribedNodes = true
	}
	if noAuthorization, _ := opts.Bool("--no_authorization"); noAuthorization {
		rootSettings.AuthorizationRequired = false
	}
	if enableWebsocket, _ := opts.Bool("--websocket"); enableWebsocket {
		settings.EnableWebsocket = true
	}

	var adapter pubsub.Adapter = pubsub.AcceptAllAdapter{}
	var handshake bayeux.HandshakeHandler

	if jwtSecret, _ := opts.String("--jwt_secret"); jwtSecret != "" {
		if jwtSecret == "-" {
			jwtSecret = promptSecret("jwt secret: ")
		}
		tokenAdapter := &bayeux.TokenAdapter{
			Secret:                []byte(jwtSecret),
			RequireSubscribeToken: rootSettings.AuthorizationRequired,
		}
		adapter = tokenAdapter
		handshake = tokenAdapter
	}

	root := pubsub.NewRoot(adapter, rootSettings)
	connector := bayeux.NewConnector(root, settings)
	handler := bayeux.NewHandler(connector, handshake)

	mux := http.NewServeMux()
	mux.Handle("/bayeux", handler)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		glog.Infof("shutting down")
		connector.ShutDown()
		root.Close()
		server.Close()
	}()

	glog.Infof("cometd listening on :%d", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		glog.Errorf("server exited: %v", err)
		os.Exit(1)
	}
}

func loadConfig(path string, rootSettings *pubsub.RootSettings, settings *bayeux.Settings) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("COMETD")
	v.AutomaticEnv()

	v.SetDefault("session_timeout", settings.SessionTimeout)
	v.SetDefault("long_polling_timeout", settings.LongPollingTimeout)
	v.SetDefault("max_messages_per_client", settings.MaxMessagesPerClient)
	v.SetDefault("max_messages_size_per_client", settings.MaxMessagesSizePerClient)
	v.SetDefault("keep_update_size_percent", rootSettings.KeepUpdateSizePercent)
	v.SetDefault("authorization_required", rootSettings.AuthorizationRequired)

	if err := v.ReadInConfig(); err != nil {
		glog.Errorf("cannot read config %s: %v", path, err)
		os.Exit(1)
	}

	settings.SessionTimeout = v.GetDuration("session_timeout")
	settings.LongPollingTimeout = v.GetDuration("long_polling_timeout")
	settings.MaxMessagesPerClient = v.GetInt("max_messages_per_client")
	settings.MaxMessagesSizePerClient = v.GetInt("max_messages_size_per_client")
	rootSettings.KeepUpdateSizePercent = v.GetInt("keep_update_size_percent")
	rootSettings.AuthorizationRequired = v.GetBool("authorization_required")
}

func promptSecret(prompt string) string {
	fmt.Print(prompt)
	secret, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		glog.Errorf("cannot read secret: %v", err)
		os.Exit(1)
	}
	return string(secret)
}
