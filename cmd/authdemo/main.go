// Command authdemo walks the engine through a full round trip against the
// in-memory backend: login lifecycle with audit listeners, an SSO ticket
// exchange, the OAuth2 code grant, and nonce replay protection.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog"

	"github.com/authlayer/authlayer/distsession"
	"github.com/authlayer/authlayer/nonce"
	"github.com/authlayer/authlayer/oauth2"
	"github.com/authlayer/authlayer/permission"
	"github.com/authlayer/authlayer/sso"
	"github.com/authlayer/authlayer/storage"
	"github.com/authlayer/authlayer/token"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running demo: %s\n", err)
		os.Exit(1)
	}
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Printf("Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	displayAppname("authlayer")

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	ctx := context.Background()
	store := storage.NewMemoryStore(storage.WithJanitorInterval(time.Minute))
	defer store.Close()

	if err := tokenWalkthrough(ctx, logger, store); err != nil {
		return err
	}
	if err := ssoWalkthrough(ctx, logger, store); err != nil {
		return err
	}
	if err := oauth2Walkthrough(ctx, logger, store); err != nil {
		return err
	}
	if err := nonceWalkthrough(ctx, logger, store); err != nil {
		return err
	}
	return distsessionWalkthrough(ctx, logger, store)
}

func tokenWalkthrough(ctx context.Context, logger zerolog.Logger, store storage.Store) error {
	tokens := token.New(store, token.WithTokenStyle(token.StyleTik))
	tokens.RegisterListener(token.NewLogListener(logger))

	value, err := tokens.Login(ctx, "alice", token.WithDevice("cli"))
	if err != nil {
		return err
	}
	logger.Info().Str("token", value).Msg("logged in")

	perms := permission.New(store)
	if err := perms.SetPermissions(ctx, "alice", []string{"admin:*"}); err != nil {
		return err
	}
	if err := perms.CheckPermission(ctx, "alice", "admin:read"); err != nil {
		return err
	}
	logger.Info().Msg("wildcard permission admin:* satisfied admin:read")

	return tokens.Logout(ctx, value)
}

func ssoWalkthrough(ctx context.Context, logger zerolog.Logger, store storage.Store) error {
	tokens := token.New(store, token.WithLoginType("sso"))
	server := sso.NewServer(store, tokens,
		sso.WithOriginWhitelist(sso.NewOriginWhitelist("*.example")))

	if _, err := tokens.Login(ctx, "alice"); err != nil {
		return err
	}

	ticket, err := server.CreateTicket(ctx, "alice", "https://b.example")
	if err != nil {
		return err
	}

	// A ticket for service B must not redeem at service A.
	if _, err := server.ValidateTicket(ctx, ticket, "https://a.example"); err == nil {
		return errors.New("wrong-service validation unexpectedly succeeded")
	} else {
		logger.Info().Err(err).Msg("wrong-service redemption rejected")
	}

	loginID, err := server.ValidateTicket(ctx, ticket, "https://b.example")
	if err != nil {
		return err
	}
	logger.Info().Str("login_id", loginID).Msg("ticket validated once")

	if _, err := server.ValidateTicket(ctx, ticket, "https://b.example"); err == nil {
		return errors.New("ticket replay unexpectedly succeeded")
	}
	logger.Info().Msg("ticket replay rejected")

	clients, err := server.Logout(ctx, "alice")
	if err != nil {
		return err
	}
	logger.Info().Strs("notify", clients).Msg("unified logout")
	return nil
}

func oauth2Walkthrough(ctx context.Context, logger zerolog.Logger, store storage.Store) error {
	manager := oauth2.New(store)

	if _, err := manager.RegisterClient(ctx, "app1", "s1",
		[]string{"https://app1/cb"}, []string{"read", "write"}); err != nil {
		return err
	}

	code, err := manager.IssueAuthorizationCode(ctx, "app1", "alice", "https://app1/cb", []string{"read"})
	if err != nil {
		return err
	}

	pair, err := manager.ExchangeCodeForToken(ctx, "app1", "s1", code, "https://app1/cb")
	if err != nil {
		return err
	}
	logger.Info().Strs("scope", pair.Scope).Msg("code exchanged for token pair")

	if _, err := manager.ExchangeCodeForToken(ctx, "app1", "s1", code, "https://app1/cb"); err == nil {
		return errors.New("code replay unexpectedly succeeded")
	}
	logger.Info().Msg("code replay rejected")

	refreshed, err := manager.RefreshAccessToken(ctx, "app1", "s1", pair.RefreshToken)
	if err != nil {
		return err
	}
	logger.Info().
		Bool("rotated", refreshed.AccessToken != pair.AccessToken).
		Msg("refresh rotated the pair")

	return manager.RevokeToken(ctx, refreshed.AccessToken)
}

func nonceWalkthrough(ctx context.Context, logger zerolog.Logger, store storage.Store) error {
	manager := nonce.New(store)

	n, err := manager.Generate()
	if err != nil {
		return err
	}
	if err := manager.Verify(ctx, n, "alice", time.Minute); err != nil {
		return err
	}
	logger.Info().Str("nonce", n).Msg("nonce consumed")

	if err := manager.Verify(ctx, n, "alice", time.Minute); err == nil {
		return errors.New("nonce replay unexpectedly succeeded")
	}
	logger.Info().Msg("nonce replay rejected")
	return nil
}

func distsessionWalkthrough(ctx context.Context, logger zerolog.Logger, store storage.Store) error {
	web := distsession.New(store, "web-portal")
	api := distsession.New(store, "api-gateway")

	if _, err := web.RegisterService(ctx, "api-gateway", "API Gateway", "gw-secret",
		[]string{"session:*"}); err != nil {
		return err
	}
	if err := api.VerifyService(ctx, "api-gateway", "gw-secret"); err != nil {
		return err
	}

	session, err := web.CreateSession(ctx, "alice", "tok-1")
	if err != nil {
		return err
	}
	if err := api.SetAttribute(ctx, session.SessionID, "role", "admin"); err != nil {
		return err
	}

	role, err := web.GetAttribute(ctx, session.SessionID, "role")
	if err != nil {
		return err
	}
	logger.Info().
		Str("session_id", session.SessionID).
		Str("role", role).
		Msg("session shared across services")

	return web.DeleteAllSessions(ctx, "alice")
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
