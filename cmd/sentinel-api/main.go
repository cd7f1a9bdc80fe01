// Command sentinel-api is the platform's thin HTTP surface: ingest,
// query, and command endpoints over gin, plus the operator live-alert
// websocket feed. It follows cmd/portal-api/main.go's shape almost
// exactly (config load, gin.New()+Recovery+Logger, /health, graceful
// shutdown on SIGINT/SIGTERM) and starts the same background
// supervisor loops cmd/sentinel-worker runs, so a single-process
// deployment still delivers notifications without a second binary.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/carbonscribe/sentinel-core/internal/aggregation"
	"github.com/carbonscribe/sentinel-core/internal/alerting"
	"github.com/carbonscribe/sentinel-core/internal/config"
	"github.com/carbonscribe/sentinel-core/internal/domain"
	"github.com/carbonscribe/sentinel-core/internal/domainerr"
	"github.com/carbonscribe/sentinel-core/internal/geoindex"
	"github.com/carbonscribe/sentinel-core/internal/ingest"
	"github.com/carbonscribe/sentinel-core/internal/notification"
	"github.com/carbonscribe/sentinel-core/internal/notification/archive"
	"github.com/carbonscribe/sentinel-core/internal/notification/feed"
	"github.com/carbonscribe/sentinel-core/internal/notification/preferences"
	"github.com/carbonscribe/sentinel-core/internal/roadgraph"
	"github.com/carbonscribe/sentinel-core/internal/routing"
	"github.com/carbonscribe/sentinel-core/internal/state"
	"github.com/carbonscribe/sentinel-core/internal/supervisor"
	"github.com/carbonscribe/sentinel-core/internal/timeseries"
	"github.com/carbonscribe/sentinel-core/pkg/geo"
	"github.com/carbonscribe/sentinel-core/pkg/storage"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(os.Getenv("SENTINEL_CONFIG_FILE"))
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	store, err := state.Open(cfg.Database.URL(), cfg.Database.MaxConnections, cfg.Database.MaxIdleConns, cfg.Database.MaxLifetime)
	if err != nil {
		logger.Fatal("failed to open state store", zap.Error(err))
	}
	defer store.Close()

	ctx := context.Background()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		logger.Fatal("failed to load AWS configuration", zap.Error(err))
	}

	s3Client, err := storage.NewS3Client(ctx, cfg.AWS.Region)
	if err != nil {
		logger.Fatal("failed to build S3 client", zap.Error(err))
	}

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		logger.Fatal("failed to connect to mongo", zap.Error(err))
	}
	defer mongoClient.Disconnect(ctx)
	deliveryArchive := archive.New(mongoClient.Database(cfg.Mongo.Database), logger)

	prefsDSN := cfg.Database.URL()
	recipients, err := preferences.Open(prefsDSN)
	if err != nil {
		logger.Fatal("failed to open preferences store", zap.Error(err))
	}

	timeseriesDB, err := sqlx.Connect("postgres", cfg.Database.URL())
	if err != nil {
		logger.Fatal("failed to open timeseries database connection", zap.Error(err))
	}
	defer timeseriesDB.Close()

	timeStore := timeseries.New(timeseriesDB, store, timeseries.Config{
		ChunkInterval:   cfg.TimeStore.ChunkInterval,
		LatenessHorizon: cfg.TimeStore.LatenessHorizon,
		ClosureHorizon:  cfg.TimeStore.ClosureHorizon,
		ArchiveBucket:   cfg.AWS.ArchiveBucket,
	}, s3Client)
	store.SetObservationRanger(timeStore)

	thresholdsByKind := map[string]float64{}
	alertThresholds := map[domain.SensorKind]alerting.Thresholds{}
	for kind, t := range cfg.Alerting.Thresholds {
		alertThresholds[domain.SensorKind(kind)] = alerting.Thresholds{Min: t.Min, Max: t.Max, Critical: t.Critical}
		thresholdsByKind[kind] = t.Max
	}

	aggEngine := aggregation.New(store, logger, thresholdsByKind)

	geoIndex := geoindex.New()
	roadGraph := roadgraph.New()
	if err := loadSpatialIndexes(ctx, store, geoIndex, roadGraph); err != nil {
		logger.Fatal("failed to load spatial indexes", zap.Error(err))
	}

	snsClient := sns.NewFromConfig(awsCfg)
	sesClient := sesv2.NewFromConfig(awsCfg)
	channels := map[domain.NotificationChannel]notification.Channel{
		domain.ChannelSMS:   notification.NewSNSChannel(snsClient, cfg.AWS.SNSSenderID),
		domain.ChannelEmail: notification.NewEmailChannel(sesClient, cfg.AWS.SESFromAddress),
	}
	dispatcher := notification.New(store, channels, deliveryArchive, notification.Config{
		Parallelism: cfg.Dispatch.Parallelism,
		RetryBase:   cfg.Dispatch.RetryBase,
		RetryFactor: cfg.Dispatch.RetryFactor,
		RetryJitter: cfg.Dispatch.RetryJitter,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
	}, logger)

	hub := feed.NewHub()

	evaluator := alerting.New(store, geoIndex, dispatcher, recipients, aggEngine, hub, alerting.Config{
		Thresholds:        alertThresholds,
		RapidChangeK:      cfg.Alerting.RapidChangeK,
		RapidChangeCritK:  cfg.Alerting.RapidChangeCritK,
		SustainedFor:      cfg.Alerting.SustainedMinutes,
		HysteresisFor:     cfg.Alerting.HysteresisMinutes,
		ShelterCandidates: cfg.Alerting.ShelterCandidates,
	}, logger)

	gateway := ingest.New(timeStore, store, aggEngine, evaluator, ingest.Config{
		RatePerSensorHz: cfg.Ingest.RatePerSensorHz,
		BurstPerSensor:  cfg.Ingest.BurstPerSensor,
		EvalDeadline:    cfg.Alerting.EvalDeadline,
	}, logger)

	planner := routing.New(geoIndex, roadGraph)

	health := supervisor.NewHealthRegistry()
	sup := supervisor.New(logger, supervisor.DefaultConfig(), health)
	sup.StartAggregatorSweep(ctx, aggEngine)
	if err := sup.StartDailyFlush(ctx, aggEngine, store); err != nil {
		logger.Fatal("failed to schedule daily flush", zap.Error(err))
	}
	if err := sup.StartArchiveSweep(ctx, timeStore); err != nil {
		logger.Fatal("failed to schedule archive sweep", zap.Error(err))
	}
	sup.StartDispatcher(ctx, dispatcher)
	sup.StartEvalRetrySweep(ctx, gateway)
	sup.Start()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.Logger())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "sentinel-api", "components": health.Snapshot()})
	})

	registerRoutes(router, gateway, store, timeStore, aggEngine, evaluator, planner, geoIndex, roadGraph)

	router.GET("/v1/alerts/feed", func(c *gin.Context) {
		hub.HandleConnection(c.Writer, c.Request)
	})

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("starting sentinel-api", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down sentinel-api")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	hub.Close()
	sup.Shutdown(shutdownTimeout)

	logger.Info("sentinel-api stopped")
}

// loadSpatialIndexes populates C2 and C3 from the durable store. It is
// run once at startup; both structures republish new copy-on-write
// snapshots on demand and do not need a periodic reload for this
// platform's expected sensor/shelter/road-network churn.
func loadSpatialIndexes(ctx context.Context, store *state.Store, idx *geoindex.Index, graph *roadgraph.Graph) error {
	sensors, err := store.ListSensors(ctx, nil)
	if err != nil {
		return err
	}
	shelters, err := store.ListShelters(ctx)
	if err != nil {
		return err
	}

	entities := make([]geoindex.Entity, 0, len(sensors)+len(shelters))
	for i := range sensors {
		s := sensors[i]
		entities = append(entities, geoindex.Entity{ID: s.ID, Kind: "sensor", Location: s.Location, Sensor: &s})
	}
	for i := range shelters {
		sh := shelters[i]
		entities = append(entities, geoindex.Entity{ID: sh.ID, Kind: "shelter", Location: sh.Location, Shelter: &sh})
	}
	idx.Replace(entities)

	nodes, err := store.ListRoadNodes(ctx)
	if err != nil {
		return err
	}
	segments, err := store.ListRoadSegments(ctx)
	if err != nil {
		return err
	}
	graph.Load(nodes, segments)
	return nil
}

// registerRoutes binds the §6 external interface operations onto the
// gin router; handlers stay thin, delegating all domain behavior to
// the components constructed in main.
func registerRoutes(router *gin.Engine, gateway *ingest.Gateway, store *state.Store, timeStore *timeseries.Store, agg *aggregation.Engine, evaluator *alerting.Evaluator, planner *routing.Planner, geoIdx *geoindex.Index, roadGraph *roadgraph.Graph) {
	v1 := router.Group("/v1")

	v1.POST("/observations", func(c *gin.Context) {
		var obs domain.Observation
		if err := c.ShouldBindJSON(&obs); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		result, err := gateway.Ingest(c.Request.Context(), obs)
		if err != nil {
			writeDomainError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, result)
	})

	v1.GET("/sensors", func(c *gin.Context) {
		var kind *domain.SensorKind
		if k := c.Query("kind"); k != "" {
			sk := domain.SensorKind(k)
			kind = &sk
		}
		sensors, err := store.ListSensors(c.Request.Context(), kind)
		if err != nil {
			writeDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, sensors)
	})

	v1.GET("/sensors/:id/observations", func(c *gin.Context) {
		sensorID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sensor id"})
			return
		}
		limit, ok := parseLimit(c, 500)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		t0, t1, ok := sinceHoursRange(c)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since_hours"})
			return
		}
		obs, err := timeStore.Range(c.Request.Context(), []int64{sensorID}, nil, t0, t1, limit)
		if err != nil {
			writeDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, obs)
	})

	v1.GET("/sensors/:id/latest", func(c *gin.Context) {
		sensorID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sensor id"})
			return
		}
		within := 24 * time.Hour
		if w := c.Query("within_hours"); w != "" {
			hours, err := strconv.Atoi(w)
			if err != nil || hours <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid within_hours"})
				return
			}
			within = time.Duration(hours) * time.Hour
		}
		latest, err := timeStore.Latest(c.Request.Context(), []int64{sensorID}, within)
		if err != nil {
			writeDomainError(c, err)
			return
		}
		obs, ok := latest[sensorID]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no observation within window"})
			return
		}
		c.JSON(http.StatusOK, obs)
	})

	v1.GET("/sensors/:id/hourly", func(c *gin.Context) {
		sensorID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sensor id"})
			return
		}
		t0, t1, ok := sinceHoursRange(c)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since_hours"})
			return
		}
		hourly, err := agg.Hourly(c.Request.Context(), sensorID, t0, t1)
		if err != nil {
			writeDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, hourly)
	})

	v1.GET("/sensors/:id/daily", func(c *gin.Context) {
		sensorID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sensor id"})
			return
		}
		t0, t1, ok := parseRange(c)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid t0/t1"})
			return
		}
		daily, err := agg.Daily(c.Request.Context(), sensorID, t0, t1)
		if err != nil {
			writeDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, daily)
	})

	v1.GET("/alerts/active", func(c *gin.Context) {
		var severity *domain.Severity
		if s := c.Query("severity"); s != "" {
			sv := domain.Severity(s)
			severity = &sv
		}
		var rule *domain.RuleKind
		if r := c.Query("rule"); r != "" {
			rk := domain.RuleKind(r)
			rule = &rk
		}
		limit := 100
		if l := c.Query("limit"); l != "" {
			if n, err := strconv.Atoi(l); err == nil {
				limit = n
			}
		}
		alerts, err := store.ListActiveAlerts(c.Request.Context(), severity, rule, limit)
		if err != nil {
			writeDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, alerts)
	})

	v1.POST("/alerts/:id/resolve", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
			return
		}
		alert, err := store.GetAlert(c.Request.Context(), id)
		if err != nil {
			writeDomainError(c, err)
			return
		}
		if alert == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": domainerr.UnknownAlert})
			return
		}
		var body struct {
			Reason string `json:"reason"`
		}
		_ = c.ShouldBindJSON(&body)
		if err := evaluator.Resolve(c.Request.Context(), alert, body.Reason); err != nil {
			writeDomainError(c, err)
			return
		}
		if err := store.CancelJobsForAlert(c.Request.Context(), id); err != nil {
			writeDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, alert)
	})

	v1.GET("/shelters/nearest", func(c *gin.Context) {
		lon, lat, ok := parseLatLon(c)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid lon/lat"})
			return
		}
		k := 5
		if n := c.Query("count"); n != "" {
			if parsed, err := strconv.Atoi(n); err == nil {
				k = parsed
			}
		}
		origin := domain.Location{Lon: lon, Lat: lat}
		nearest := geoIdx.KNearest(origin, k, geoindex.HasCapacity)
		shelters := make([]*domain.Shelter, 0, len(nearest))
		for _, e := range nearest {
			shelters = append(shelters, e.Shelter)
		}
		c.JSON(http.StatusOK, shelters)
	})

	v1.GET("/routes/:sensor_id/:shelter_id", func(c *gin.Context) {
		sensorID, err := strconv.ParseInt(c.Param("sensor_id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sensor id"})
			return
		}
		shelterID, err := strconv.ParseInt(c.Param("shelter_id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid shelter id"})
			return
		}
		sensor, err := store.GetSensor(c.Request.Context(), sensorID)
		if err != nil {
			writeDomainError(c, err)
			return
		}
		shelter, err := store.GetShelter(c.Request.Context(), shelterID)
		if err != nil {
			writeDomainError(c, err)
			return
		}
		route, err := planner.RouteTo(c.Request.Context(), sensor.Location, shelter.Location, shelter.ID)
		if err != nil {
			writeDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, route)
	})

	// /routes/shelter/:shelter_id predates the sensor_id-keyed route
	// above and takes the origin directly as lon/lat query params; kept
	// for callers that already have a bare coordinate (e.g. the operator
	// map) rather than a registered sensor.
	v1.GET("/routes/shelter/:shelter_id", func(c *gin.Context) {
		shelterID, err := strconv.ParseInt(c.Param("shelter_id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid shelter id"})
			return
		}
		lon, lat, ok := parseLatLon(c)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid lon/lat"})
			return
		}
		shelter, err := store.GetShelter(c.Request.Context(), shelterID)
		if err != nil {
			writeDomainError(c, err)
			return
		}
		route, err := planner.RouteTo(c.Request.Context(), domain.Location{Lon: lon, Lat: lat}, shelter.Location, shelter.ID)
		if err != nil {
			writeDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, route)
	})

	v1.POST("/admin/road-graph/reload", func(c *gin.Context) {
		var body struct {
			Nodes []struct {
				ID  int64   `json:"id"`
				Lon float64 `json:"lon"`
				Lat float64 `json:"lat"`
			} `json:"nodes"`
			Segments []struct {
				EdgeID             int64   `json:"edge_id"`
				Source             int64   `json:"source"`
				Target             int64   `json:"target"`
				CostMinutes        float64 `json:"cost_minutes"`
				ReverseCostMinutes float64 `json:"reverse_cost_minutes"`
				Geometry           string  `json:"geometry"`
				Surface            string  `json:"surface"`
			} `json:"segments"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		nodes := make([]domain.RoadNode, len(body.Nodes))
		for i, n := range body.Nodes {
			nodes[i] = domain.RoadNode{ID: n.ID, Location: domain.Location{Lon: n.Lon, Lat: n.Lat}}
		}
		segments := make([]domain.RoadSegment, len(body.Segments))
		for i, s := range body.Segments {
			geom, err := geo.ValidateGeoJSON(s.Geometry)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid geometry for edge " + strconv.FormatInt(s.EdgeID, 10) + ": " + err.Error()})
				return
			}
			segments[i] = domain.RoadSegment{
				EdgeID: s.EdgeID, Source: s.Source, Target: s.Target,
				CostMinutes: s.CostMinutes, ReverseCostMinutes: s.ReverseCostMinutes,
				Geometry: domain.JSONB(geom), Surface: s.Surface,
			}
		}

		if err := store.ReplaceRoadNetwork(c.Request.Context(), nodes, segments); err != nil {
			writeDomainError(c, err)
			return
		}
		roadGraph.Load(nodes, segments)
		c.JSON(http.StatusOK, gin.H{"nodes": len(nodes), "segments": len(segments)})
	})

	v1.PUT("/shelters/:id/capacity", func(c *gin.Context) {
		shelterID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid shelter id"})
			return
		}
		var body struct {
			CapacityCurrent int   `json:"capacity_current"`
			ExpectedVersion int64 `json:"expected_version"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := store.UpdateShelterCapacity(c.Request.Context(), shelterID, body.CapacityCurrent, body.ExpectedVersion); err != nil {
			writeDomainError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
}

func parseRange(c *gin.Context) (time.Time, time.Time, bool) {
	t0, err1 := time.Parse(time.RFC3339, c.Query("t0"))
	t1, err2 := time.Parse(time.RFC3339, c.Query("t1"))
	if err1 != nil || err2 != nil {
		return time.Time{}, time.Time{}, false
	}
	return t0, t1, true
}

// sinceHoursRange resolves the §6 query contract's since_hours
// parameter into a [t0,t1] window ending now; since_hours defaults to
// 24 when omitted.
func sinceHoursRange(c *gin.Context) (time.Time, time.Time, bool) {
	sinceHours := 24.0
	if s := c.Query("since_hours"); s != "" {
		var err error
		sinceHours, err = strconv.ParseFloat(s, 64)
		if err != nil || sinceHours <= 0 {
			return time.Time{}, time.Time{}, false
		}
	}
	t1 := time.Now().UTC()
	t0 := t1.Add(-time.Duration(sinceHours * float64(time.Hour)))
	return t0, t1, true
}

func parseLimit(c *gin.Context, defaultLimit int) (int, bool) {
	s := c.Query("limit")
	if s == "" {
		return defaultLimit, true
	}
	limit, err := strconv.Atoi(s)
	if err != nil || limit <= 0 {
		return 0, false
	}
	return limit, true
}

func parseLatLon(c *gin.Context) (lon, lat float64, ok bool) {
	var err1, err2 error
	lon, err1 = strconv.ParseFloat(c.Query("lon"), 64)
	lat, err2 = strconv.ParseFloat(c.Query("lat"), 64)
	return lon, lat, err1 == nil && err2 == nil
}

func writeDomainError(c *gin.Context, err error) {
	var derr *domainerr.Error
	if errors.As(err, &derr) {
		status := http.StatusInternalServerError
		switch derr.Kind {
		case domainerr.UnknownSensor, domainerr.UnknownShelter, domainerr.UnknownAlert, domainerr.UnknownEndpoint, domainerr.NoPath:
			status = http.StatusNotFound
		case domainerr.OutOfRange, domainerr.StaleAppend:
			status = http.StatusUnprocessableEntity
		case domainerr.RateLimited:
			status = http.StatusTooManyRequests
		case domainerr.Conflict:
			status = http.StatusConflict
		case domainerr.BackendUnavailable:
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": derr.Kind, "op": derr.Op, "message": derr.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
}
