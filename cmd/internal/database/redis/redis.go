package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"

	"github.com/metal-stack/dbbackup/cmd/internal/utils"
)

const (
	redisDumpFile = "dump.rdb"
)

// Redis dumps the dataset of a redis master with SAVE
type Redis struct {
	log     *slog.Logger
	fs      afero.Fs
	datadir string

	client redis.Cmdable
}

// Config of the redis connection. DataDir is where the dump file is visible to this process,
// it defaults to the dir reported by the server.
type Config struct {
	Addr     string
	Password string
	DataDir  string
	FS       afero.Fs
}

// New instantiates a new redis dumper
func New(log *slog.Logger, config Config) (*Redis, error) {
	if config.Addr == "" {
		return nil, fmt.Errorf("redis addr cannot be empty")
	}
	if config.FS == nil {
		config.FS = afero.NewOsFs()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
	})

	return &Redis{
		log:     log,
		fs:      config.FS,
		datadir: config.DataDir,
		client:  client,
	}, nil
}

func (db *Redis) Extension() string {
	return "rdb"
}

// Probe figures out if the database is running and available for taking backups.
func (db *Redis) Probe(ctx context.Context) error {
	_, err := db.client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("connection error: %w", err)
	}

	return nil
}

// Dump takes a dump of redis with the redis client.
func (db *Redis) Dump(ctx context.Context, destination string) error {
	isMaster, err := db.isMaster(ctx)
	if err != nil {
		return err
	}
	if !isMaster {
		return errors.New("this database is not master, not taking a backup")
	}

	start := time.Now()
	_, err = db.client.Save(ctx).Result()
	if err != nil {
		return fmt.Errorf("could not create a dump: %w", err)
	}

	dumpDir := db.datadir
	if dumpDir == "" {
		resp, err := db.client.ConfigGet(ctx, "dir").Result()
		if err != nil {
			return fmt.Errorf("could not get config: %w", err)
		}
		dumpDir = resp["dir"]
	}
	dumpFile := path.Join(dumpDir, redisDumpFile)

	db.log.Info("dump created successfully", "file", dumpFile, "duration", time.Since(start).String())

	// the dump is created by the database process, possibly on a shared volume, so it is copied rather than renamed
	err = utils.Copy(db.fs, dumpFile, destination)
	if err != nil {
		return fmt.Errorf("unable to copy dumpfile: %w", err)
	}

	db.log.Debug("successfully took backup of redis")
	return nil
}

func (db *Redis) isMaster(ctx context.Context) (bool, error) {
	info, err := db.client.Info(ctx, "replication").Result()
	if err != nil {
		return false, fmt.Errorf("unable to get database info %w", err)
	}
	if strings.Contains(info, "role:master") {
		return true, nil
	}
	return false, nil
}
