package bootstrap

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/audience-dispatch/internal/config"
	"github.com/ignite/audience-dispatch/internal/domain"
	"github.com/ignite/audience-dispatch/internal/service/sending"
)

func TestNew_RequiresDatabaseAndSigningKey(t *testing.T) {
	cfg := config.Default()
	_, err := New(context.Background(), cfg)
	assert.ErrorContains(t, err, "database url")

	cfg.Database.URL = "postgres://localhost/dispatch"
	_, err = New(context.Background(), cfg)
	assert.ErrorContains(t, err, "signing key")
}

func TestBuildProviders(t *testing.T) {
	t.Run("none configured", func(t *testing.T) {
		reg, err := buildProviders(context.Background(), config.Default())
		require.NoError(t, err)
		_, err = reg.For(domain.ChannelEmail)
		assert.ErrorIs(t, err, sending.ErrNoProvider)
		_, err = reg.For(domain.ChannelSMS)
		assert.ErrorIs(t, err, sending.ErrNoProvider)
	})

	t.Run("sms only", func(t *testing.T) {
		cfg := config.Default()
		cfg.SMS.AccountSID = "AC1"
		cfg.SMS.AuthToken = "secret"
		cfg.SMS.FromNumber = "+15550000000"

		reg, err := buildProviders(context.Background(), cfg)
		require.NoError(t, err)
		p, err := reg.For(domain.ChannelSMS)
		require.NoError(t, err)
		assert.Equal(t, domain.ChannelSMS, p.Channel())
		_, err = reg.For(domain.ChannelEmail)
		assert.ErrorIs(t, err, sending.ErrNoProvider)
	})

	t.Run("ses with static credentials", func(t *testing.T) {
		cfg := config.Default()
		cfg.SES.FromAddress = "news@example.com"
		cfg.SES.AccessKey = "AKID"
		cfg.SES.SecretKey = "SECRET"
		cfg.SES.Region = "us-west-2"

		reg, err := buildProviders(context.Background(), cfg)
		require.NoError(t, err)
		p, err := reg.For(domain.ChannelEmail)
		require.NoError(t, err)
		assert.Equal(t, domain.ChannelEmail, p.Channel())
	})
}

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := OpenRedis(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer client.Close()
	assert.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())

	_, err = OpenRedis(context.Background(), "not a url")
	assert.Error(t, err)
}
