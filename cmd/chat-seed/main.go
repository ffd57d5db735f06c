// Command chat-seed writes users and rooms into the configured store and
// prints development tokens, for running the chat service locally.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/ayemish/kindnessconnect/internal/app"
	"github.com/ayemish/kindnessconnect/internal/config"
	"github.com/ayemish/kindnessconnect/internal/domain"
	"github.com/ayemish/kindnessconnect/pkg/jwt"
	pkglog "github.com/ayemish/kindnessconnect/pkg/log"
)

func main() {
	users := pflag.StringArray("user", nil, `user as "uid:Full Name:email[:role]" (repeatable)`)
	rooms := pflag.StringArray("room", nil, `room as "requester_uid:donor_uid:request_id" (repeatable)`)
	tokens := pflag.StringArray("token", nil, "uid to print a development token for (repeatable)")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}
	pkglog.Init(pkglog.Config{Level: cfg.Log.Level, Pretty: true, ServiceName: "chat-seed"})
	logger := pkglog.L()

	persistent := strings.HasPrefix(cfg.Store.Driver, "gorm")
	if !persistent && (len(*users) > 0 || len(*rooms) > 0) {
		logger.Warn().Str("driver", cfg.Store.Driver).Msg("seeding a process-local store; set STORE_DRIVER=gorm to persist")
	}

	st, closeStore, err := app.OpenStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer closeStore()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	profiles := make(map[string]domain.UserProfile)
	for _, spec := range *users {
		u, err := parseUser(spec)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid --user")
		}
		if err := st.PutUser(ctx, u); err != nil {
			logger.Fatal().Err(err).Str("uid", u.UID).Msg("failed to write user")
		}
		profiles[u.UID] = u
		logger.Info().Str("uid", u.UID).Str("name", u.FullName).Msg("user seeded")
	}

	for _, spec := range *rooms {
		r, err := parseRoom(spec)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid --room")
		}
		created, err := st.CreateRoom(ctx, r)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create room")
		}
		logger.Info().Str(pkglog.FieldRoomID, created.ID).Str("requester_uid", created.RequesterUID).
			Str("donor_uid", created.DonorUID).Str("request_id", created.RequestID).Msg("room seeded")
	}

	if len(*tokens) == 0 {
		return
	}
	mgr, err := jwt.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenLifetime)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create token manager")
	}
	for _, uid := range *tokens {
		p := profiles[uid]
		token, err := mgr.GenerateToken(uid, p.Email, true, p.Role)
		if err != nil {
			logger.Fatal().Err(err).Str("uid", uid).Msg("failed to sign token")
		}
		fmt.Fprintf(os.Stdout, "%s\t%s\n", uid, token)
	}
}

func parseUser(spec string) (domain.UserProfile, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 3 || len(parts) > 4 || parts[0] == "" {
		return domain.UserProfile{}, fmt.Errorf("want uid:Full Name:email[:role], got %q", spec)
	}
	u := domain.UserProfile{UID: parts[0], FullName: parts[1], Email: parts[2], Role: "donor"}
	if len(parts) == 4 && parts[3] != "" {
		u.Role = parts[3]
	}
	return u, nil
}

func parseRoom(spec string) (domain.ChatRoom, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return domain.ChatRoom{}, fmt.Errorf("want requester_uid:donor_uid:request_id, got %q", spec)
	}
	if parts[0] == parts[1] {
		return domain.ChatRoom{}, fmt.Errorf("requester and donor must differ in %q", spec)
	}
	return domain.ChatRoom{RequesterUID: parts[0], DonorUID: parts[1], RequestID: parts[2]}, nil
}
