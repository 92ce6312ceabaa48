package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/fatih/color"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/term"

	"github.com/commonshq/livesync/livesync"
)

const LivesyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

type ctlConfig struct {
	ApiUrl       string `toml:"api_url"`
	PlatformUrl  string `toml:"platform_url"`
	Token        string `toml:"token"`
	RefreshToken string `toml:"refresh_token"`
}

func configPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	return filepath.Join(home, ".livesync", "config.toml")
}

func loadConfig() *ctlConfig {
	config := &ctlConfig{
		ApiUrl:      "https://api.commons.example.com",
		PlatformUrl: "wss://sync.commons.example.com",
	}
	configBytes, err := os.ReadFile(configPath())
	if err != nil {
		return config
	}
	if err := toml.Unmarshal(configBytes, config); err != nil {
		Err.Printf("bad config at %s = %s", configPath(), err)
	}
	return config
}

func saveConfig(config *ctlConfig) {
	configBytes, err := toml.Marshal(config)
	if err != nil {
		panic(err)
	}
	if err := os.MkdirAll(filepath.Dir(configPath()), 0700); err != nil {
		panic(err)
	}
	if err := os.WriteFile(configPath(), configBytes, 0600); err != nil {
		panic(err)
	}
}

func main() {
	usage := `Livesync control.

Usage:
    livesyncctl login [--api_url=<api_url>] --user_auth=<user_auth>
    livesyncctl status [--api_url=<api_url>] [--platform_url=<platform_url>]
    livesyncctl watch <table> [--event=<event>] [--filter=<filter>]
        [--api_url=<api_url>] [--platform_url=<platform_url>]
    livesyncctl logout

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --api_url=<api_url>            Platform api url.
    --platform_url=<platform_url>  Realtime websocket url.
    --user_auth=<user_auth>        Email to sign in with.
    --event=<event>                INSERT, UPDATE, DELETE or * [default: *].
    --filter=<filter>              Row filter, e.g. author_id=eq.<id>.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LivesyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if status_, _ := opts.Bool("status"); status_ {
		status(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if logout_, _ := opts.Bool("logout"); logout_ {
		logout(opts)
	}
}

func applyUrls(opts docopt.Opts, config *ctlConfig) {
	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		config.ApiUrl = apiUrl
	}
	if platformUrl, err := opts.String("--platform_url"); err == nil && platformUrl != "" {
		config.PlatformUrl = platformUrl
	}
}

func login(opts docopt.Opts) {
	config := loadConfig()
	applyUrls(opts, config)

	userAuth, _ := opts.String("--user_auth")

	fmt.Print("Password: ")
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		panic(err)
	}

	api := livesync.NewPlatformApi(config.ApiUrl)
	defer api.Close()
	result, err := api.AuthLoginSync(&livesync.AuthLoginArgs{
		UserAuth: userAuth,
		Password: string(passwordBytes),
	})
	if err != nil {
		Err.Fatalf("login error = %s", err)
	}
	if result.Error != nil {
		Err.Fatalf("login rejected = %s", result.Error.Message)
	}

	session, err := livesync.ParseSessionToken(result.Token, result.RefreshToken)
	if err != nil {
		Err.Fatalf("bad token = %s", err)
	}

	config.Token = result.Token
	config.RefreshToken = result.RefreshToken
	saveConfig(config)

	color.Green("signed in as %s", session.UserId)
	Out.Printf("token expires %s", session.ExpiresAt.Format(time.RFC3339))
}

func logout(opts docopt.Opts) {
	config := loadConfig()
	config.Token = ""
	config.RefreshToken = ""
	saveConfig(config)
	Out.Printf("signed out")
}

func newSignedInClient(opts docopt.Opts) *livesync.Client {
	config := loadConfig()
	applyUrls(opts, config)
	if config.Token == "" {
		Err.Fatalf("not signed in. run `livesyncctl login` first.")
	}

	client := livesync.NewClientWithDefaults(context.Background(), config.ApiUrl, config.PlatformUrl)
	if err := client.Session.SignIn(config.Token, config.RefreshToken); err != nil {
		Err.Fatalf("sign in error = %s", err)
	}
	return client
}

func status(opts docopt.Opts) {
	client := newSignedInClient(opts)
	defer client.Close()

	if err := client.Connection.Connect(context.Background()); err != nil {
		color.Red("connection: %s", err)
	}

	// give the profile load and channel joins a moment to settle
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if client.Session.GetState().Profile != nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	connectionStatus := client.Connection.GetStatus()
	switch connectionStatus.State {
	case livesync.ConnectionStateConnected:
		color.Green("connection: %s", connectionStatus.State)
	case livesync.ConnectionStateError:
		color.Red("connection: %s (%s)", connectionStatus.State, connectionStatus.LastError)
	default:
		color.Yellow("connection: %s", connectionStatus.State)
	}
	if !connectionStatus.ConnectionStartedAt.IsZero() {
		Out.Printf("connected since %s", connectionStatus.ConnectionStartedAt.Format(time.RFC3339))
	}

	sessionState := client.Session.GetState()
	if sessionState.Session != nil {
		Out.Printf("user %s, token expires %s",
			sessionState.Session.UserId,
			sessionState.Session.ExpiresAt.Format(time.RFC3339),
		)
	}
	if sessionState.Profile != nil {
		Out.Printf("profile %s (%s)", sessionState.Profile.DisplayName, sessionState.Profile.Role)
	}

	realtimeStatus := client.Realtime.GetStatus()
	Out.Printf("channels %d joined of %d", realtimeStatus.JoinedCount, realtimeStatus.SubscriptionCount)

	cacheMetrics := client.Cache.Metrics()
	Out.Printf("cache %d hits %d misses %d stale", cacheMetrics.Hits, cacheMetrics.Misses, cacheMetrics.StaleHits)
}

func watch(opts docopt.Opts) {
	client := newSignedInClient(opts)
	defer client.Close()

	table, _ := opts.String("<table>")
	eventStr, _ := opts.String("--event")
	filter, _ := opts.String("--filter")

	unsub, err := client.Realtime.Subscribe(
		table,
		livesync.EventType(eventStr),
		filter,
		func(event *livesync.ChangeEvent) {
			switch event.Event {
			case livesync.EventInsert:
				color.Green("+ %s %v", event.Table, event.Row())
			case livesync.EventUpdate:
				color.Yellow("~ %s %v", event.Table, event.Row())
			case livesync.EventDelete:
				color.Red("- %s %v", event.Table, event.Row())
			}
		},
	)
	if err != nil {
		Err.Fatalf("subscribe error = %s", err)
	}
	defer unsub()

	Out.Printf("watching %s (%s) ...", table, eventStr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	Out.Printf("done")
}
