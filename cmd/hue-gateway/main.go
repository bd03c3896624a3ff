package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"zigbee-hue-gateway/internal/api"
	"zigbee-hue-gateway/internal/aps"
	"zigbee-hue-gateway/internal/bus"
	"zigbee-hue-gateway/internal/cache"
	"zigbee-hue-gateway/internal/loop"
	"zigbee-hue-gateway/internal/mqtt"
	"zigbee-hue-gateway/internal/pipeline"
	"zigbee-hue-gateway/internal/registry"
	"zigbee-hue-gateway/internal/rules"
	"zigbee-hue-gateway/internal/script"
	"zigbee-hue-gateway/internal/store"
	"zigbee-hue-gateway/internal/syncer"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Radio struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"radio"`
	Web struct {
		Listen         string   `yaml:"listen"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Gateway struct {
		Name                    string `yaml:"name"`
		GroupSendDelayMs        int    `yaml:"group_send_delay_ms"`
		IdleUserLimit           int64  `yaml:"idle_user_limit"`
		IdleReadLimit           int64  `yaml:"idle_read_limit"`
		IdleAttrReportBindLimit int64  `yaml:"idle_attr_report_bind_limit"`
	} `yaml:"gateway"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Radio.Port == "" {
		return fmt.Errorf("radio.port is required")
	}
	if c.Web.Listen == "" {
		return fmt.Errorf("web.listen is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	cfg.Radio.Baud = 115200
	cfg.Gateway.GroupSendDelayMs = 50
	cfg.Gateway.IdleUserLimit = 20
	cfg.Gateway.IdleReadLimit = 120
	cfg.Gateway.IdleAttrReportBindLimit = 1800
	cfg.MQTT.TopicPrefix = "huegw"
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Log.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func main() {
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	logger.Info("starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	gateway, err := db.LoadGateway()
	if err != nil {
		gateway = &store.GatewayState{
			Name:    cfg.Gateway.Name,
			UUID:    uuid.NewString(),
			APIKeys: []string{strings.ReplaceAll(uuid.NewString(), "-", "")},
		}
		if gateway.Name == "" {
			gateway.Name = "ZigBee Hue Gateway"
		}
		if err := db.SaveGateway(gateway); err != nil {
			logger.Error("save gateway state", "err", err)
			os.Exit(1)
		}
		logger.Info("gateway identity created", "uuid", gateway.UUID, "apikey", gateway.APIKeys[0])
	}

	radio, err := aps.OpenSerial(cfg.Radio.Port, cfg.Radio.Baud, logger)
	if err != nil {
		logger.Error("open radio", "err", err)
		os.Exit(1)
	}
	defer radio.Close()

	lp := loop.New(logger)
	events := bus.New(logger)
	reg := registry.New(logger)
	attrCache := cache.New()

	if lights, err := db.LoadLights(); err == nil {
		reg.Lights = lights
	}
	if sensors, err := db.LoadSensors(); err == nil {
		reg.Sensors = sensors
	}
	if groups, err := db.LoadGroups(); err == nil {
		reg.Groups = groups
	}

	pipe := pipeline.New(radio, time.Duration(cfg.Gateway.GroupSendDelayMs)*time.Millisecond,
		func(addr aps.Address) bool {
			if addr.Mode != aps.AddrModeNwk {
				return true
			}
			for _, l := range reg.Lights {
				if n := reg.Node(l.ExtAddr); n != nil && n.NwkAddr == addr.Nwk {
					return !n.Zombie
				}
			}
			return true
		}, logger)

	sy := syncer.New(reg, attrCache, pipe, events, syncer.Config{
		IdleUserLimit:           cfg.Gateway.IdleUserLimit,
		IdleReadLimit:           cfg.Gateway.IdleReadLimit,
		IdleAttrReportBindLimit: cfg.Gateway.IdleAttrReportBindLimit,
	}, logger)

	engine := rules.New(reg, attrCache, pipe, sy, events, radio.Connected, logger)
	if rs, err := db.LoadRules(); err == nil {
		engine.Rules = rs
	}

	saver := store.NewSaver(store.SaveDelay, lp.Post, func(mask store.Dirty) {
		if mask&store.DirtyLights != 0 {
			if err := db.SaveLights(reg.Lights); err != nil {
				logger.Error("save lights", "err", err)
			}
		}
		if mask&store.DirtySensors != 0 {
			if err := db.SaveSensors(reg.Sensors); err != nil {
				logger.Error("save sensors", "err", err)
			}
		}
		if mask&(store.DirtyGroups|store.DirtyScenes) != 0 {
			if err := db.SaveGroups(reg.Groups); err != nil {
				logger.Error("save groups", "err", err)
			}
		}
		if mask&store.DirtyRules != 0 {
			if err := db.SaveRules(engine.Rules); err != nil {
				logger.Error("save rules", "err", err)
			}
		}
		if mask&store.DirtyConfig != 0 {
			if err := db.SaveGateway(gateway); err != nil {
				logger.Error("save gateway", "err", err)
			}
		}
	})
	engine.SetSaveHook(func() { saver.Mark(store.DirtyRules) })

	server := api.New(reg, engine, pipe, sy, saver, events, lp, radio, gateway, logger,
		api.WithAllowedOrigins(cfg.Web.AllowedOrigins),
		api.WithVersion(version))
	engine.SetHandlers(server.GroupsResource, server.LightsResource)

	// Radio callbacks hop onto the event loop; nothing below touches core
	// state from the reader goroutine.
	radio.OnDataIndication(func(ind aps.DataIndication) {
		lp.Post(func() { sy.HandleIndication(ind) })
	})
	radio.OnDataConfirm(func(conf aps.DataConfirm) {
		lp.Post(func() { pipe.HandleConfirm(conf) })
	})
	radio.OnNodeEvent(func(evt aps.NodeEvent) {
		lp.Post(func() {
			sy.HandleNodeEvent(evt)
			saver.Mark(store.DirtyLights | store.DirtySensors)
		})
	})
	radio.OnGreenPower(func(ind aps.GreenPowerIndication) {
		lp.Post(func() {
			if s := reg.AddGreenPowerSensor(ind.SrcID, ind.DeviceID, server.PermitJoinActive()); s != nil {
				saver.Mark(store.DirtySensors)
			}
			engine.HandleButtonEvent(ind)
		})
	})
	radio.OnNetworkState(func(connected bool) {
		lp.Post(func() {
			if !connected {
				pipe.Clear()
			}
			events.Emit(bus.Event{Resource: bus.ResourceConfig, Type: bus.EventNetwork,
				State: map[string]any{"connected": connected}})
		})
	})

	lp.Every(100*time.Millisecond, func() { pipe.Dispatch(time.Now()) })
	lp.Every(250*time.Millisecond, func() { pipe.GroupTaskTick(reg, time.Now()) })
	lp.Every(750*time.Millisecond, func() { sy.AttrTick() })
	lp.Every(1*time.Second, func() {
		sy.IdleTick()
		pipe.ProcessBindings(reg, time.Now())
	})
	lp.Every(5*time.Second, func() { engine.VerifyTick() })

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	server.RunHub()
	defer server.StopHub()

	if cfg.MQTT.Enabled {
		bridge, err := mqtt.NewBridge(events, mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logger)
		if err != nil {
			logger.Warn("mqtt bridge disabled", "err", err)
		} else {
			bridge.Start()
			defer bridge.Stop()
		}
	}

	scripts := script.NewEngine(events, server.GroupsResource, server.LightsResource, lp.Post, logger)
	if err := scripts.Start(cfg.ScriptsDir); err != nil {
		logger.Warn("script engine", "err", err)
	}
	defer scripts.Stop()

	httpServer := &http.Server{
		Addr:              cfg.Web.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
			cancel()
		}
	}()

	lp.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	saver.Flush()
	logger.Info("stopped")
}
