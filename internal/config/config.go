// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/nbdshim/config.toml"

	minBlockSize = 512
	maxBlockSize = 64 * 1024
)

// Values accepted by the advertise.flush and advertise.trim options.
const (
	AdvertiseAuto = "auto"
	AdvertiseOn   = "on"
	AdvertiseOff  = "off"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Device    string `toml:"device" env:"NBDSHIM_DEVICE" env-default:"/dev/nbd0" env-description:"NBD device node to attach to."`
	Backend   string `toml:"backend" env:"NBDSHIM_BACKEND" env-default:"file" env-description:"Storage backend. One of file, memory, null, s3, nbd."`
	BlockSize int64  `toml:"block_size" env:"NBDSHIM_BLOCKSIZE" env-default:"4096" env-description:"Backend block size in bytes. Power of two between 512 and 65536."`
	Size      int64  `toml:"size" env:"NBDSHIM_SIZE" env-default:"0" env-description:"Device size in MiB. 0 derives it from blocks or from the backend."`
	Blocks    int64  `toml:"blocks" env:"NBDSHIM_BLOCKS" env-default:"0" env-description:"Device size in blocks. 0 derives it from size or from the backend."`
	Timeout   int    `toml:"timeout" env:"NBDSHIM_TIMEOUT" env-default:"0" env-description:"Kernel request timeout in seconds. 0 keeps the kernel default."`
	Pump      string `toml:"pump" env:"NBDSHIM_PUMP_MODE" env-default:"process" env-description:"How to run the blocking kernel loop. process or thread."`

	Advertise struct {
		Flush string `toml:"flush" env:"NBDSHIM_ADVERTISE_FLUSH" env-default:"auto" env-description:"Advertise FLUSH to the kernel. auto follows the backend, on or off force it."`
		Trim  string `toml:"trim" env:"NBDSHIM_ADVERTISE_TRIM" env-default:"auto" env-description:"Advertise TRIM to the kernel. auto follows the backend, on or off force it."`
	} `toml:"advertise"`

	File struct {
		Path   string `toml:"path" env:"NBDSHIM_FILE_PATH" env-default:"" env-description:"Image file or block device used by the file backend."`
		Create bool   `toml:"create" env:"NBDSHIM_FILE_CREATE" env-default:"false" env-description:"Create and size the image file when it does not exist."`
	} `toml:"file"`

	S3 struct {
		Bucket      string `toml:"bucket" env:"NBDSHIM_S3_BUCKET" env-description:"S3 Bucket name." env-default:"nbdshim"`
		Remote      string `toml:"remote" env:"NBDSHIM_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region      string `toml:"region" env:"NBDSHIM_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey   string `toml:"access_key" env:"NBDSHIM_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey   string `toml:"secret_key" env:"NBDSHIM_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
		Prefix      string `toml:"prefix" env:"NBDSHIM_S3_PREFIX" env-description:"Prefix prepended to every block object key." env-default:""`
		Uploaders   int    `toml:"uploaders" env:"NBDSHIM_S3_UPLOADERS" env-description:"S3 Max number of uploader threads." env-default:"16"`
		Downloaders int    `toml:"downloaders" env:"NBDSHIM_S3_DOWNLOADERS" env-description:"S3 Max number of downloader threads." env-default:"16"`
	} `toml:"s3"`

	NBD struct {
		Socket string `toml:"socket" env:"NBDSHIM_NBD_SOCKET" env-description:"Unix socket of the remote NBD export used by the nbd backend." env-default:"/tmp/nbd.sock"`
	} `toml:"nbd"`

	Log struct {
		Level  int  `toml:"level" env:"NBDSHIM_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"NBDSHIM_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"NBDSHIM_PROFILER" env-description:"Enable golang web profiler and /metrics endpoint." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"NBDSHIM_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup()
	return parse()
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	Cfg.Size *= 1024 * 1024

	return Cfg.Validate()
}

// Validate checks values which cleanenv cannot check by itself. Size is
// expected in bytes at this point.
func (c *Config) Validate() error {
	if c.BlockSize < minBlockSize || c.BlockSize > maxBlockSize || c.BlockSize&(c.BlockSize-1) != 0 {
		return fmt.Errorf("block size %d is not a power of two in [%d, %d]", c.BlockSize, minBlockSize, maxBlockSize)
	}

	if c.Size < 0 || c.Blocks < 0 {
		return fmt.Errorf("size and blocks must not be negative")
	}

	if c.Size != 0 && c.Blocks != 0 && c.Size != c.Blocks*c.BlockSize {
		return fmt.Errorf("size %d does not match %d blocks of %d bytes", c.Size, c.Blocks, c.BlockSize)
	}

	switch c.Backend {
	case "file":
		if c.File.Path == "" {
			return fmt.Errorf("file backend needs file.path")
		}
	case "memory", "null":
		if c.Size == 0 && c.Blocks == 0 {
			return fmt.Errorf("%s backend needs size or blocks", c.Backend)
		}
	case "s3":
		if c.Size == 0 && c.Blocks == 0 {
			return fmt.Errorf("s3 backend needs size or blocks")
		}
	case "nbd":
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	switch c.Pump {
	case "process", "thread":
	default:
		return fmt.Errorf("unknown pump %q", c.Pump)
	}

	for _, a := range []string{c.Advertise.Flush, c.Advertise.Trim} {
		switch a {
		case AdvertiseAuto, AdvertiseOn, AdvertiseOff:
		default:
			return fmt.Errorf("unknown advertise mode %q", a)
		}
	}

	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}

	return nil
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("nbdshim", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}
