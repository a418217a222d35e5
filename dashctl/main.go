package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"syscall"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/susingh6/web-service-sub001/realtime"
)

const DefaultApiUrl = "https://api.sladash.io"
const DefaultWsUrl = "wss://sync.sladash.io/ws"

const DashCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`SLA dashboard sync control.

The default urls are:
    api_url: %s
    ws_url: %s

Usage:
    dashctl watch [--ws_url=<ws_url>] [--api_url=<api_url>]
        --tenant=<tenant> --team=<team>
        (--session_token=<session_token> | --user_auth=<user_auth> [--password=<password>])
        [--seed] [--verbose]
    dashctl set-priority [--api_url=<api_url>]
        --tenant=<tenant> --team=<team>
        --entity=<entity> --priority=<priority>
        (--session_token=<session_token> | --user_auth=<user_auth> [--password=<password>])
        [--verbose]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --api_url=<api_url>
    --ws_url=<ws_url>
    --tenant=<tenant>                Tenant name.
    --team=<team>                    Team name.
    --entity=<entity>                Entity id or name.
    --priority=<priority>            New priority.
    --session_token=<session_token>  An existing session token.
    --user_auth=<user_auth>
    --password=<password>
    --seed                           Read team details once to seed the cache.
    --verbose                        Print sync library diagnostics.`,
		DefaultApiUrl,
		DefaultWsUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DashCtlVersion)
	if err != nil {
		panic(err)
	}

	if verbose_, _ := opts.Bool("--verbose"); verbose_ {
		realtime.GlobalLogLevel = realtime.LogLevelDebug
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if setPriority_, _ := opts.Bool("set-priority"); setPriority_ {
		setPriority(opts)
	}
}

// subscribe to one team and print what the server pushes
func watch(opts docopt.Opts) {
	log := realtime.LogFn(realtime.LogLevelInfo, "dashctl")

	tenantName := opts["--tenant"].(string)
	teamName := opts["--team"].(string)

	var apiUrl string
	if apiUrlAny := opts["--api_url"]; apiUrlAny != nil {
		apiUrl = apiUrlAny.(string)
	} else {
		apiUrl = DefaultApiUrl
	}

	var wsUrl string
	if wsUrlAny := opts["--ws_url"]; wsUrlAny != nil {
		wsUrl = wsUrlAny.(string)
	} else {
		wsUrl = DefaultWsUrl
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	event := realtime.NewEventWithContext(cancelCtx)
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	ctx := event.Ctx()

	auth, sessionToken := sessionAuth(ctx, apiUrl, opts)

	log("watch %s/%s at %s", tenantName, teamName, wsUrl)

	client := realtime.NewClientWithDefaults(ctx, wsUrl, auth)
	defer client.Close()

	removeStateCallback := client.AddStateChangeCallback(func(state realtime.ConnectionState, reconnectAttempt int, err error) {
		if err == nil {
			Out.Printf("connection %s", state)
		} else {
			Out.Printf("connection %s (%s)", state, err)
		}
	})
	defer removeStateCallback()

	// one consumer per surface. opening it connects, closing it releases
	// the topic, the callbacks, and the connection share.
	consumer := client.NewConsumer()
	defer consumer.Close()

	for _, eventType := range []string{
		realtime.EventTypeEntityUpdated,
		realtime.EventTypeTeamMembersUpdated,
		realtime.EventTypeUserStatusChanged,
	} {
		consumer.AddEventCallback(eventType, func(serverEvent *realtime.ServerEvent) {
			Out.Printf("%s %s", serverEvent.EffectiveEvent(), string(serverEvent.Data))
		})
	}

	consumer.Subscribe(tenantName, teamName)

	if seed_, _ := opts.Bool("--seed"); seed_ {
		api := realtime.NewDashboardApiWithContext(ctx, apiUrl)
		defer api.Close()
		api.SetSessionToken(sessionToken)

		teamDetailsCallback, teamDetailsChannel := realtime.NewBlockingApiCallback[*realtime.TeamDetailsResult]()
		api.GetTeamDetails(tenantName, teamName, teamDetailsCallback)

		var teamDetailsResult realtime.ApiCallbackResult[*realtime.TeamDetailsResult]
		select {
		case <-ctx.Done():
			os.Exit(0)
		case teamDetailsResult = <-teamDetailsChannel:
		}

		if teamDetailsResult.Error == nil {
			client.Cache().Set(teamDetailsKey(tenantName, teamName), teamDetailsResult.Result)
			Out.Printf("seeded %d entities", len(teamDetailsResult.Result.Entities))
		} else {
			Err.Printf("seed error: %s", teamDetailsResult.Error)
		}
	}

	select {
	case <-ctx.Done():
	}
}

// change an entity priority through the optimistic mutation path
func setPriority(opts docopt.Opts) {
	log := realtime.LogFn(realtime.LogLevelInfo, "dashctl")

	tenantName := opts["--tenant"].(string)
	teamName := opts["--team"].(string)
	entity := opts["--entity"].(string)
	priority := opts["--priority"].(string)

	var apiUrl string
	if apiUrlAny := opts["--api_url"]; apiUrlAny != nil {
		apiUrl = apiUrlAny.(string)
	} else {
		apiUrl = DefaultApiUrl
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	event := realtime.NewEventWithContext(cancelCtx)
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	ctx := event.Ctx()

	auth, sessionToken := sessionAuth(ctx, apiUrl, opts)

	api := realtime.NewDashboardApiWithContext(ctx, apiUrl)
	defer api.Close()
	api.SetSessionToken(sessionToken)

	// the websocket stays down here. the gateway only needs the cache
	// and the coalescer.
	client := realtime.NewClientWithDefaults(ctx, DefaultWsUrl, auth)
	defer client.Close()

	teamDetailsCallback, teamDetailsChannel := realtime.NewBlockingApiCallback[*realtime.TeamDetailsResult]()
	api.GetTeamDetails(tenantName, teamName, teamDetailsCallback)

	var teamDetailsResult realtime.ApiCallbackResult[*realtime.TeamDetailsResult]
	select {
	case <-ctx.Done():
		os.Exit(0)
	case teamDetailsResult = <-teamDetailsChannel:
	}
	if teamDetailsResult.Error == nil {
		client.Cache().Set(teamDetailsKey(tenantName, teamName), teamDetailsResult.Result)
	}

	request := &realtime.MutationRequest{
		CacheKey: teamDetailsKey(tenantName, teamName),
		OptimisticUpdate: func(value any) any {
			teamDetails, ok := value.(*realtime.TeamDetailsResult)
			if !ok {
				return value
			}
			return withEntityPriority(teamDetails, entity, priority)
		},
		Execute: func(executeCtx context.Context) (any, error) {
			result, err := api.UpdateEntityPrioritySync(&realtime.UpdateEntityPriorityArgs{
				MutationId: realtime.NewId(),
				EntityId:   entity,
				TenantName: tenantName,
				TeamName:   teamName,
				Priority:   priority,
			})
			if err != nil {
				return nil, err
			}
			if result.Error != nil {
				// the server message is safe to show the user
				err := fmt.Errorf("%s", result.Error.Message)
				return nil, realtime.NewMutationError(err, result.Error.Message)
			}
			return result, nil
		},
		InvalidateParameters: []*realtime.InvalidationParameters{
			{
				TenantName: tenantName,
				TeamName:   teamName,
				CacheType:  "teamDetails",
			},
		},
	}

	log("set %s/%s %s priority %s", tenantName, teamName, entity, priority)

	result, err := client.Mutate(ctx, request)
	if err != nil {
		var mutationErr *realtime.MutationError
		if errors.As(err, &mutationErr) {
			Out.Printf("%s", mutationErr.UserMessage())
		}
		Err.Printf("set-priority error: %s", err)
		os.Exit(1)
	}

	if updateResult, ok := result.(*realtime.UpdateEntityPriorityResult); ok && updateResult.Entity != nil {
		Out.Printf("%s priority %s", updateResult.Entity.EntityName, updateResult.Entity.Priority)
	} else {
		Out.Printf("priority updated")
	}
}

func sessionAuth(ctx context.Context, apiUrl string, opts docopt.Opts) (*realtime.SessionAuth, string) {
	var sessionToken string
	if sessionTokenAny := opts["--session_token"]; sessionTokenAny != nil {
		sessionToken = sessionTokenAny.(string)
	} else {
		userAuth := opts["--user_auth"].(string)

		var password string
		if passwordAny := opts["--password"]; passwordAny != nil {
			password = passwordAny.(string)
		} else {
			fmt.Print("Enter password: ")
			passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
			if err != nil {
				panic(err)
			}
			password = string(passwordBytes)
			fmt.Printf("\n")
		}

		api := realtime.NewDashboardApiWithContext(ctx, apiUrl)
		defer api.Close()

		loginCallback, loginChannel := realtime.NewBlockingApiCallback[*realtime.AuthLoginWithPasswordResult]()

		loginArgs := &realtime.AuthLoginWithPasswordArgs{
			UserAuth: userAuth,
			Password: password,
		}

		api.AuthLoginWithPassword(loginArgs, loginCallback)

		var loginResult realtime.ApiCallbackResult[*realtime.AuthLoginWithPasswordResult]
		select {
		case <-ctx.Done():
			os.Exit(0)
		case loginResult = <-loginChannel:
		}

		if loginResult.Error != nil {
			panic(loginResult.Error)
		}
		if loginResult.Result.Error != nil {
			panic(fmt.Errorf("%s", loginResult.Result.Error.Message))
		}
		if loginResult.Result.Session == nil {
			panic(errors.New("login did not return a session"))
		}
		sessionToken = loginResult.Result.Session.SessionToken
	}

	auth, err := realtime.ParseSessionToken(sessionToken)
	if err != nil {
		panic(err)
	}
	auth.ComponentType = "dashctl"
	return auth, sessionToken
}

func teamDetailsKey(tenantName string, teamName string) string {
	return fmt.Sprintf("teamDetails/%s/%s", tenantName, teamName)
}

// cached values are replaced, never mutated, so rollback snapshots stay intact
func withEntityPriority(teamDetails *realtime.TeamDetailsResult, entity string, priority string) *realtime.TeamDetailsResult {
	next := *teamDetails
	next.Entities = make([]*realtime.TeamEntity, len(teamDetails.Entities))
	for i, teamEntity := range teamDetails.Entities {
		if teamEntity.EntityId.String() == entity || teamEntity.EntityName == entity {
			nextEntity := *teamEntity
			nextEntity.Priority = priority
			next.Entities[i] = &nextEntity
		} else {
			next.Entities[i] = teamEntity
		}
	}
	return &next
}
