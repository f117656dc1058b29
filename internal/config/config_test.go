package config_test

import (
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/okian/fidscore/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfig_New(t *testing.T) {
	convey.Convey("Given a new config with default options", t, func() {
		cfg := config.New()

		convey.Convey("Then it should have sensible defaults", func() {
			convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
			convey.So(cfg.Backend, convey.ShouldEqual, config.BackendMemory)
			convey.So(cfg.DedupeWindow(), convey.ShouldEqual, 30*time.Minute)
			convey.So(cfg.DedupeMode, convey.ShouldEqual, "sliding")
			convey.So(cfg.MaxHistory, convey.ShouldEqual, 2000)
			convey.So(cfg.MaxTracked, convey.ShouldEqual, 200)
			convey.So(cfg.BatchSize, convey.ShouldEqual, 100)
			convey.So(cfg.AutoTrack, convey.ShouldBeTrue)
			convey.So(cfg.SweepWorkers, convey.ShouldEqual, runtime.NumCPU())
			convey.So(cfg.Validate(), convey.ShouldBeNil)
		})

		convey.Convey("Then the scoring API is simulated without a key", func() {
			convey.So(cfg.UseSimulation(), convey.ShouldBeTrue)
			cfg.NeynarAPIKey = "key"
			convey.So(cfg.UseSimulation(), convey.ShouldBeFalse)
			cfg.SimulateUpstream = true
			convey.So(cfg.UseSimulation(), convey.ShouldBeTrue)
		})
	})
}

func TestConfig_Validate(t *testing.T) {
	convey.Convey("Given invalid configurations", t, func() {
		cases := []struct {
			name   string
			mutate func(c *config.Config)
		}{
			{"empty addr", func(c *config.Config) { c.Addr = "" }},
			{"unknown backend", func(c *config.Config) { c.Backend = "cassandra" }},
			{"postgres without dsn", func(c *config.Config) { c.Backend = config.BackendPostgres }},
			{"badger without path", func(c *config.Config) { c.Backend = config.BackendBadger; c.BadgerPath = "" }},
			{"batch over 100", func(c *config.Config) { c.BatchSize = 101 }},
			{"negative window", func(c *config.Config) { c.DedupeWindowMinutes = -1 }},
			{"unknown mode", func(c *config.Config) { c.DedupeMode = "hourly" }},
			{"zero history", func(c *config.Config) { c.MaxHistory = 0 }},
			{"inverted latency", func(c *config.Config) { c.ScoringLatencyMinMS = 200 }},
			{"unknown log format", func(c *config.Config) { c.LogFormat = "xml" }},
		}

		for _, tc := range cases {
			cfg := config.New()
			tc.mutate(cfg)

			convey.Convey("Then "+tc.name+" is rejected", func() {
				err := cfg.Validate()
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
			})
		}
	})
}
