// Copyright 2025 Harvex Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kafka

import (
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// Config holds base Kafka client configuration.
type Config struct {
	BootstrapServers string     `mapstructure:"bootstrapServers"`
	ClientId         string     `mapstructure:"clientId"`
	SecurityProtocol string     `mapstructure:"securityProtocol"`
	Sasl             SaslConfig `mapstructure:"sasl"`
	Ssl              SslConfig  `mapstructure:"ssl"`
}

// SaslConfig holds SASL authentication settings.
type SaslConfig struct {
	Mechanism string `mapstructure:"mechanism"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

// SslConfig holds TLS settings.
type SslConfig struct {
	CaFile   string `mapstructure:"caFile"`
	CertFile string `mapstructure:"certFile"`
	KeyFile  string `mapstructure:"keyFile"`
	Password string `mapstructure:"password"`
}

func buildBaseConfig(cfg Config) (*kafka.ConfigMap, error) {
	if cfg.BootstrapServers == "" {
		return nil, fmt.Errorf("bootstrapServers is required")
	}

	config := &kafka.ConfigMap{
		"bootstrap.servers": cfg.BootstrapServers,
	}
	if cfg.SecurityProtocol != "" {
		_ = config.SetKey("security.protocol", cfg.SecurityProtocol)
	}
	if cfg.Sasl.Mechanism != "" {
		_ = config.SetKey("sasl.mechanism", cfg.Sasl.Mechanism)
		_ = config.SetKey("sasl.username", cfg.Sasl.Username)
		_ = config.SetKey("sasl.password", cfg.Sasl.Password)
	}
	if cfg.Ssl.CaFile != "" {
		_ = config.SetKey("ssl.ca.location", cfg.Ssl.CaFile)
	}
	if cfg.Ssl.CertFile != "" {
		_ = config.SetKey("ssl.certificate.location", cfg.Ssl.CertFile)
	}
	if cfg.Ssl.KeyFile != "" {
		_ = config.SetKey("ssl.key.location", cfg.Ssl.KeyFile)
	}
	if cfg.Ssl.Password != "" {
		_ = config.SetKey("ssl.key.password", cfg.Ssl.Password)
	}
	return config, nil
}
