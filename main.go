package main

import (
	"log"
	"os"

	"github.com/hibiken/asynq"

	"cineforge-server/config"
	"cineforge-server/models"
	"cineforge-server/pipeline"
	"cineforge-server/routers"
	"cineforge-server/routers/api"
	"cineforge-server/service"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	log.Printf("Server starting on port %s", cfg.Server.Port)

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("open state store: %v", err)
	}
	defer store.Close()
	log.Printf("State store initialized (%s backend)", cfg.State.Backend)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	}
	queue := service.NewQueue(redisOpt)
	defer queue.Close()
	inspector := service.NewInspector(redisOpt)
	defer inspector.Close()
	log.Println("Queue initialized")

	var uploader *service.Uploader
	if cfg.MinIO.Endpoint != "" {
		uploader, err = service.NewUploader(cfg)
		if err != nil {
			log.Fatalf("minio init: %v", err)
		}
		log.Println("MinIO initialized")
	} else {
		log.Println("MinIO not configured, artifact upload disabled")
	}

	gen := pipeline.NewWorkerClient(cfg.Worker.Addr)
	processor := service.NewProcessor(cfg, store, gen, uploader)
	processor.Start(5)

	r := routers.InitRouter(api.New(cfg, store, queue, inspector))
	if err := r.Run(cfg.Server.Port); err != nil {
		log.Fatalf("run server: %v", err)
	}
}

// openStore picks the state backend once at startup; everything downstream
// receives the StateStore interface.
func openStore(cfg *config.Config) (models.StateStore, error) {
	switch cfg.State.Backend {
	case config.StateBackendSQL:
		return models.NewSQLStore(cfg.State.DSN)
	default:
		return models.NewJSONStore(cfg.State.Dir)
	}
}
