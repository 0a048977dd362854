// Package config loads MasStock configuration from a JSON file or from a
// Rigel schema stored in etcd. Operational knobs (worker concurrency, rate
// limits, retry policy) can additionally be overridden through environment
// variables; see FromEnv.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/remiges-tech/rigel"
	"github.com/remiges-tech/rigel/etcd"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Config is a source from which application configuration can be loaded.
type Config interface {
	LoadConfig(c any) error
	Check() error
}

// Load ensures the config source is valid and accessible, then loads the
// configuration into c.
func Load(cs Config, c any) error {
	if err := cs.Check(); err != nil {
		return err
	}
	return cs.LoadConfig(c)
}

// File loads configuration from a JSON file.
type File struct {
	ConfigFilePath string
}

func (f *File) Check() error {
	if f.ConfigFilePath == "" {
		return fmt.Errorf("configFilePath cannot be empty")
	}
	return nil
}

func (f *File) LoadConfig(appConfig any) error {
	file, err := os.Open(f.ConfigFilePath)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	return decoder.Decode(appConfig)
}

// Rigel loads configuration from a Rigel schema stored in etcd.
type Rigel struct {
	Client        *rigel.Rigel
	SchemaName    string
	SchemaVersion int
	ConfigName    string
}

func (r *Rigel) Check() error {
	if r.Client == nil {
		return fmt.Errorf("rigel client cannot be nil")
	}
	return nil
}

func (r *Rigel) LoadConfig(config any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Client.LoadConfig(ctx, r.SchemaName, r.SchemaVersion, r.ConfigName, config)
}

// NewRigelClient connects to etcd and returns a Rigel client over it.
func NewRigelClient(etcdEndpoints string) (*rigel.Rigel, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{etcdEndpoints},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	etcdStorage := &etcd.EtcdStorage{Client: cli}
	return rigel.New(etcdStorage), nil
}
