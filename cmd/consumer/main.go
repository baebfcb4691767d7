package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

// The consumer mirrors the driver-location stream into a Redis GEO key.
// The dispatch engine matches from its in-memory store; this mirror feeds
// ops tooling and the nearby debug endpoint.
func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokers := brokersFromEnv()
	topic := getenv("KAFKA_TOPIC", "driver-locations")
	group := getenv("KAFKA_GROUP", "ride-dispatch-consumer")
	geoKey := getenv("REDIS_GEO_KEY", "drivers_geo")

	rc := redis.NewClient(&redis.Options{Addr: getenv("REDIS_ADDR", "localhost:6379")})
	radapter := &redisAdapter{c: rc}

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Printf("consumer listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down consumer")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var ev models.LocationEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.DriverID == "" {
			msgsInvalid.Inc()
			log.Printf("invalid message: %v", err)
			continue
		}

		if err := updateRedisWithRetry(ctx, radapter, geoKey, ev, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			log.Printf("redis update failed for driver=%s: %v", ev.DriverID, err)
			continue
		}
		redisUpdates.Inc()
	}
}

// RedisUpdater defines the small subset of redis operations we need for tests and production.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, key, loc).Result()
	return err
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

// updateRedisWithRetry updates redis using the RedisUpdater interface with retry/backoff.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, geoKey string, ev models.LocationEvent, attempts int, delay time.Duration) error {
	for i := 0; i < attempts; i++ {
		if err := rc.GeoAdd(ctx, geoKey, &redis.GeoLocation{Longitude: ev.Location.Lon, Latitude: ev.Location.Lat, Name: ev.DriverID}); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		if err := rc.HSet(ctx, "driver:meta:"+ev.DriverID, map[string]interface{}{"updated": ev.ReportedAt.Format(time.RFC3339)}); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		return nil
	}
	return nil
}

func brokersFromEnv() []string {
	env := os.Getenv("KAFKA_BROKERS")
	if env == "" {
		env = os.Getenv("KAFKA_BROKER")
	}
	if env == "" {
		return []string{"localhost:9092"}
	}
	brokers := []string{}
	for _, b := range strings.Split(env, ",") {
		if s := strings.TrimSpace(b); s != "" {
			brokers = append(brokers, s)
		}
	}
	return brokers
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
