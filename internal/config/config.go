package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

const (
	StorageDriverMemory = "memory"
	StorageDriverSqlite = "sqlite"
)

type Config struct {
	Name       string  `yaml:"name" json:"name" env:"APP_NAME"` // used for OTEL as an application identifier
	HttpServer Server  `yaml:"server" json:"server"`            // configuration of the public REST server
	Tracing    Tracing `yaml:"tracing" json:"tracing"`
	Storage    Storage `yaml:"storage" json:"storage"`
	Engine     Engine  `yaml:"engine" json:"engine"`
}

type Server struct {
	Context string `yaml:"context" json:"context" env:"REST_API_CONTEXT" env-default:"/"`
	Addr    string `yaml:"addr" json:"addr" env:"REST_API_ADDR" env-default:":8080"`
}

type Tracing struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" env:"TRACING_ENABLED"`
	Name     string `yaml:"name" json:"name" env:"TRACING_NAME"`
	Endpoint string `yaml:"endpoint" json:"endpoint" env:"TRACING_ENDPOINT"`
	// TransferHeaders lists request headers copied onto spans and into the
	// request context
	TransferHeaders []string `yaml:"transferHeaders" json:"transferHeaders" env:"TRACING_TRANSFER_HEADERS"`
}

type Storage struct {
	Driver string `yaml:"driver" json:"driver" env:"STORAGE_DRIVER" env-default:"memory"`
	// Path of the sqlite database file, ignored by the memory driver
	Path string `yaml:"path" json:"path" env:"STORAGE_PATH" env-default:"zenbatch.db"`
}

type Engine struct {
	Workers          int `yaml:"workers" json:"workers" env:"ENGINE_WORKERS" env-default:"8"`
	ResolveChunkSize int `yaml:"resolveChunkSize" json:"resolveChunkSize" env:"ENGINE_RESOLVE_CHUNK_SIZE" env-default:"1000"`
	// ProcessEngineUrl is the base URL of the process engine REST API the
	// per-item operations are executed against
	ProcessEngineUrl            string `yaml:"processEngineUrl" json:"processEngineUrl" env:"ENGINE_PROCESS_ENGINE_URL" env-default:"http://localhost:8090"`
	ProcessEngineTimeoutSeconds int    `yaml:"processEngineTimeoutSeconds" json:"processEngineTimeoutSeconds" env:"ENGINE_PROCESS_ENGINE_TIMEOUT_SECONDS" env-default:"30"`
	ScriptPoolMinSize           int    `yaml:"scriptPoolMinSize" json:"scriptPoolMinSize" env:"ENGINE_SCRIPT_POOL_MIN_SIZE" env-default:"1"`
	ScriptPoolMaxSize           int    `yaml:"scriptPoolMaxSize" json:"scriptPoolMaxSize" env:"ENGINE_SCRIPT_POOL_MAX_SIZE" env-default:"8"`
}

func (c Config) defaults() Config {
	if c.Name == "" {
		c.Name = fmt.Sprintf("zenbatch-%s", uuid.NewString()[:8])
	}
	if c.Tracing.Name == "" {
		c.Tracing.Name = c.Name
	}
	return c
}

// Dump renders the effective configuration, used for startup logging.
func (c Config) Dump() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("failed to dump configuration: %s", err)
	}
	return string(out)
}

func InitConfig() Config {
	c := Config{}
	var fileName string
	confFile := os.Getenv("CONFIG_FILE")
	if confFile == "" {
		wd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		fileName = fmt.Sprintf("%s/conf.yaml", wd)
	} else {
		fileName = confFile
	}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
		fmt.Printf("Configuration file %s not found. Reading config from ENV.\n", fileName)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		fmt.Printf("Error occurred while reading the configuration: %s\n", err)
		panic(err)
	}
	return c.defaults()
}
