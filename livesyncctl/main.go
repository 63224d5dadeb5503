package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/docopt/docopt-go"

	"github.com/redis/go-redis/v9"

	"golang.org/x/term"

	"stagedesk.com/console/livesync"
)

const LiveSyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Live sync control.

The default urls are:
    api_url: https://console.stagedesk.com
    origin:  https://console.stagedesk.com

Usage:
    livesyncctl listen [--config=<config>] [--origin=<origin>] [--ws_url=<ws_url>]
        [--jwt=<jwt>]
    livesyncctl status [--config=<config>] [--api_url=<api_url>] [--jwt=<jwt>]
        --entity_type=<entity_type>
        --entity_id=<entity_id>
        [--event_id=<event_id>]
        [--musician_id=<musician_id>]
        [--event_date=<event_date>]
        [--repair]
    livesyncctl update-status [--config=<config>] [--api_url=<api_url>] [--jwt=<jwt>]
        --entity_type=<entity_type>
        --entity_id=<entity_id>
        --status=<status>
        [--event_id=<event_id>]
        [--musician_id=<musician_id>]
        [--event_date=<event_date>]
        [--details=<details>]
    livesyncctl sign-contract [--config=<config>] [--api_url=<api_url>] [--jwt=<jwt>]
        --contract_id=<contract_id>
        --signature=<signature>
        [--event_id=<event_id>]
        [--musician_id=<musician_id>]
    livesyncctl cancel-contract [--config=<config>] [--api_url=<api_url>] [--jwt=<jwt>]
        --contract_id=<contract_id>
        --reason=<reason>
        [--event_id=<event_id>]
        [--musician_id=<musician_id>]
    livesyncctl versions [--config=<config>] [--api_url=<api_url>] [--jwt=<jwt>]
    livesyncctl client-id --jwt=<jwt>

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --config=<config>              Yaml config file.
    --api_url=<api_url>
    --origin=<origin>              Console origin. The ws url is derived from it.
    --ws_url=<ws_url>
    --jwt=<jwt>                    Your session JWT.
    --entity_type=<entity_type>    contract, musician, event or venue.
    --entity_id=<entity_id>
    --event_id=<event_id>
    --musician_id=<musician_id>
    --event_date=<event_date>
    --status=<status>
    --details=<details>
    --contract_id=<contract_id>
    --signature=<signature>
    --reason=<reason>
    --repair                       Backfill the status store from legacy data.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LiveSyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if listen_, _ := opts.Bool("listen"); listen_ {
		listen(opts)
	} else if status_, _ := opts.Bool("status"); status_ {
		status(opts)
	} else if updateStatus_, _ := opts.Bool("update-status"); updateStatus_ {
		updateStatus(opts)
	} else if signContract_, _ := opts.Bool("sign-contract"); signContract_ {
		signContract(opts)
	} else if cancelContract_, _ := opts.Bool("cancel-contract"); cancelContract_ {
		cancelContract(opts)
	} else if versions_, _ := opts.Bool("versions"); versions_ {
		versions(opts)
	} else if clientId_, _ := opts.Bool("client-id"); clientId_ {
		clientId(opts)
	}
}

func loadConfig(opts docopt.Opts) *livesync.Config {
	config := &livesync.Config{}
	if path, err := opts.String("--config"); err == nil && path != "" {
		loaded, err := livesync.LoadConfig(path)
		if err != nil {
			Err.Fatalf("Could not load config (%s).", err)
		}
		config = loaded
	}
	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		config.ApiUrl = apiUrl
	}
	if origin, err := opts.String("--origin"); err == nil && origin != "" {
		config.Origin = origin
	}
	if wsUrl, err := opts.String("--ws_url"); err == nil && wsUrl != "" {
		config.WsUrl = wsUrl
	}
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		config.ByJwt = jwt
	}
	if config.ApiUrl == "" {
		config.ApiUrl = "https://console.stagedesk.com"
	}
	if config.Origin == "" {
		config.Origin = "https://console.stagedesk.com"
	}
	if config.ByJwt == "" {
		config.ByJwt = promptJwt()
	}
	return config
}

func promptJwt() string {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		Err.Fatalf("Missing --jwt.")
	}
	fmt.Print("Session JWT: ")
	jwtBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		Err.Fatalf("Could not read JWT (%s).", err)
	}
	return string(jwtBytes)
}

func newCache(ctx context.Context, config *livesync.Config) livesync.Cache {
	if config.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr: config.RedisAddr,
		})
		return livesync.NewRedisCacheWithDefaults(ctx, client)
	}
	return livesync.NewMemoryCache()
}

// connect the push channel and print everything that arrives
func listen(opts docopt.Opts) {
	config := loadConfig(opts)

	wsUrl, err := config.WebsocketUrl()
	if err != nil {
		Err.Fatalf("Could not derive ws url (%s).", err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	auth := &livesync.SessionAuth{
		ByJwt:      config.ByJwt,
		AppVersion: fmt.Sprintf("livesyncctl %s", LiveSyncCtlVersion),
	}

	manager := livesync.NewConnectionManagerWithDefaults(cancelCtx, wsUrl, auth)
	defer manager.Close()

	cache := newCache(cancelCtx, config)
	router := livesync.NewChangeRouterWithDefaults(manager, config.AliasTable(), cache)
	defer router.Close()

	unsubState := manager.AddStateCallback(func(state livesync.ConnectionState) {
		Out.Printf("state %s", state)
	})
	defer unsubState()

	unsubEntity := router.Subscribe(func(partition string) {
		Out.Printf("invalidate %s", partition)
	})
	defer unsubEntity()

	unsubMessage := router.AddMessageCallback(func(message string) {
		Out.Printf("message %s", message)
	})
	defer unsubMessage()

	manager.Connect()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}

func newResolver(ctx context.Context, config *livesync.Config) *livesync.StatusResolver {
	api := livesync.NewConsoleApiWithContext(ctx, config.ApiUrl)
	api.SetByJwt(config.ByJwt)
	return livesync.NewStatusResolverWithDefaults(ctx, api, newCache(ctx, config))
}

func printJson(value any) {
	valueJson, err := json.MarshalIndent(value, "", "    ")
	if err != nil {
		Err.Fatalf("Could not encode result (%s).", err)
	}
	Out.Printf("%s", valueJson)
}

func status(opts docopt.Opts) {
	config := loadConfig(opts)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	entityType, _ := opts.String("--entity_type")
	entityId, _ := opts.Int("--entity_id")
	eventId, _ := opts.Int("--event_id")
	musicianId, _ := opts.Int("--musician_id")
	eventDate, _ := opts.String("--event_date")
	repair, _ := opts.Bool("--repair")

	resolver := newResolver(cancelCtx, config)
	defer resolver.Close()

	record, err := resolver.ResolveSync(&livesync.StatusQuery{
		EntityType: entityType,
		EntityId:   int64(entityId),
		EventId:    int64(eventId),
		MusicianId: int64(musicianId),
		EventDate:  eventDate,
		AutoRepair: repair,
	})
	if err != nil {
		Err.Fatalf("Could not resolve status (%s).", err)
	}
	printJson(record)
}

func updateStatus(opts docopt.Opts) {
	config := loadConfig(opts)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	entityType, _ := opts.String("--entity_type")
	entityId, _ := opts.Int("--entity_id")
	statusValue, _ := opts.String("--status")
	eventId, _ := opts.Int("--event_id")
	musicianId, _ := opts.Int("--musician_id")
	eventDate, _ := opts.String("--event_date")
	details, _ := opts.String("--details")

	resolver := newResolver(cancelCtx, config)
	defer resolver.Close()

	record, err := resolver.UpdateStatusSync(&livesync.UpdateStatusArgs{
		EntityType: entityType,
		EntityId:   int64(entityId),
		Status:     statusValue,
		EventId:    int64(eventId),
		MusicianId: int64(musicianId),
		EventDate:  eventDate,
		Details:    details,
	})
	if err != nil {
		Err.Fatalf("Could not update status (%s).", err)
	}
	printJson(record)
}

func signContract(opts docopt.Opts) {
	config := loadConfig(opts)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	contractId, _ := opts.Int("--contract_id")
	signature, _ := opts.String("--signature")
	eventId, _ := opts.Int("--event_id")
	musicianId, _ := opts.Int("--musician_id")

	resolver := newResolver(cancelCtx, config)
	defer resolver.Close()

	record, err := resolver.SignContractSync(&livesync.SignContractRequest{
		ContractId: int64(contractId),
		EventId:    int64(eventId),
		MusicianId: int64(musicianId),
		Signature:  signature,
	})
	if err != nil {
		Err.Fatalf("Could not sign contract (%s).", err)
	}
	printJson(record)
}

func cancelContract(opts docopt.Opts) {
	config := loadConfig(opts)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	contractId, _ := opts.Int("--contract_id")
	reason, _ := opts.String("--reason")
	eventId, _ := opts.Int("--event_id")
	musicianId, _ := opts.Int("--musician_id")

	resolver := newResolver(cancelCtx, config)
	defer resolver.Close()

	result, err := resolver.CancelContractSync(&livesync.CancelContractRequest{
		ContractId: int64(contractId),
		EventId:    int64(eventId),
		MusicianId: int64(musicianId),
		Reason:     reason,
	})
	if err != nil {
		Err.Fatalf("Could not cancel contract (%s).", err)
	}
	if result.MusicianStatusErr != nil {
		Err.Printf("Musician status update failed (%s).", result.MusicianStatusErr)
	}
	printJson(result.Contract)
}

func versions(opts docopt.Opts) {
	config := loadConfig(opts)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := livesync.NewConsoleApiWithContext(cancelCtx, config.ApiUrl)
	api.SetByJwt(config.ByJwt)

	result, err := api.GetVersionsSync()
	if err != nil {
		Err.Fatalf("Could not get versions (%s).", err)
	}
	printJson(result)
}

func clientId(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")

	claims := gojwt.MapClaims{}
	if _, _, err := gojwt.NewParser().ParseUnverified(jwt, claims); err != nil {
		Err.Fatalf("Could not parse JWT (%s).", err)
	}

	jwtClientId, ok := claims["client_id"]
	if !ok {
		Err.Fatalf("JWT does not have a client_id.")
	}
	switch v := jwtClientId.(type) {
	case string:
		Out.Printf("%s", v)
	default:
		Err.Fatalf("JWT has invalid client_id (%T).", v)
	}
}
