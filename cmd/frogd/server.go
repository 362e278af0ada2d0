package main

import (
	"io"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"frog/bus"
	"frog/config"
	"frog/hardware"
	"frog/metrics"
	"frog/script"
)

type openRequest struct {
	BaseType string         `json:"base_type" binding:"required"`
	Name     string         `json:"name"`
	Class    string         `json:"class" binding:"required"`
	Params   map[string]any `json:"params"`
}

type closeRequest struct {
	BaseType string `json:"base_type" binding:"required"`
	Name     string `json:"name"`
}

type moveRequest struct {
	Angle  *float64 `json:"angle"`
	Preset string   `json:"preset"`
}

func newRouter(b *bus.Bus, registry *hardware.Registry, rec *metrics.Recorder, promReg *prometheus.Registry) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), cors.Default())

	api := router.Group("/api")

	api.GET("/devices", func(c *gin.Context) {
		active := registry.Active()
		devices := make([]gin.H, 0, len(active))
		for _, instance := range active {
			devices = append(devices, gin.H{
				"base_type": instance.BaseType,
				"name":      instance.Name,
				"topic":     instance.Topic(),
			})
		}
		c.JSON(http.StatusOK, gin.H{"devices": devices})
	})

	api.POST("/device/open", func(c *gin.Context) {
		var req openRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		instance := hardware.InstanceRef{BaseType: req.BaseType, Name: req.Name}
		registry.Open(instance, req.Class, req.Params)
		c.JSON(http.StatusAccepted, gin.H{"instance": instance.Topic()})
	})

	api.POST("/device/close", func(c *gin.Context) {
		var req closeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		instance := hardware.InstanceRef{BaseType: req.BaseType, Name: req.Name}
		registry.Close(instance)
		c.JSON(http.StatusOK, gin.H{"instance": instance.Topic()})
	})

	api.POST("/stepper/move", func(c *gin.Context) {
		var req moveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		defer rec.TimeRequest(config.StepperMotorTopic)()

		var target any
		switch {
		case req.Preset != "":
			target = req.Preset
		case req.Angle != nil:
			target = *req.Angle
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "angle or preset required"})
			return
		}
		b.Publish("serial."+config.StepperMotorTopic+".move.begin", target)
		c.JSON(http.StatusAccepted, gin.H{"target": target})
	})

	api.POST("/opus/command/:cmd", func(c *gin.Context) {
		defer rec.TimeRequest(config.SpectrometerTopic)()
		b.Publish("opus.request.command", c.Param("cmd"))
		c.JSON(http.StatusAccepted, gin.H{"command": c.Param("cmd")})
	})

	api.POST("/script/run", func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		commands, err := script.Parse(string(body))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		// Scripts can run for minutes; report progress through the log.
		runner := script.NewRunner(b)
		go func() {
			if err := runner.Run(commands); err != nil {
				log.Error().Err(err).Msg("Script failed")
				return
			}
			log.Info().Int("commands", len(commands)).Msg("Script finished")
		}()
		c.JSON(http.StatusAccepted, gin.H{"commands": len(commands)})
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))

	return router
}
