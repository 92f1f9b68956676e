package models

import "encoding/json"

// Typed views over the free-form node Data map. Each view decodes the
// keys its node kind understands; everything else lands in Extra so
// forward-compatible editor fields survive a save/load round trip.

// LLMConfig is the typed view of an llm node's data.
type LLMConfig struct {
	Prompt        string   `json:"prompt"`
	Model         string   `json:"model"`
	APIKey        string   `json:"api_key"`
	APIBase       string   `json:"api_base"`
	ModelConfigID string   `json:"model_config_id"`
	Temperature   *float64 `json:"temperature"`
	MaxTokens     *int     `json:"max_tokens"`

	Extra map[string]any `json:"-"`
}

var llmKeys = []string{"prompt", "model", "api_key", "api_base", "model_config_id", "temperature", "max_tokens"}

// ModelConfig is the typed view of a model_config node's data.
type ModelConfig struct {
	ConfigName  string `json:"config_name"`
	Model       string `json:"model"`
	APIKey      string `json:"api_key"`
	APIBase     string `json:"api_base"`
	TestMessage string `json:"test_message"`

	Extra map[string]any `json:"-"`
}

var modelConfigKeys = []string{"config_name", "model", "api_key", "api_base", "test_message"}

// CodeConfig is the typed view of a code node's data.
type CodeConfig struct {
	Code           string `json:"code"`
	Requirements   string `json:"requirements"`
	TimeoutSeconds *int   `json:"timeout_seconds"`

	Extra map[string]any `json:"-"`
}

var codeKeys = []string{"code", "requirements", "timeout_seconds"}

// HTTPConfig is the typed view of an http_action / api_consumer node's
// data. Headers, QueryParams and Body tolerate both object and JSON
// string forms; the executor normalizes them.
type HTTPConfig struct {
	URL               string `json:"url"`
	Method            string `json:"method"`
	Headers           any    `json:"headers"`
	QueryParams       any    `json:"query_params"`
	Body              any    `json:"body"`
	AuthType          string `json:"auth_type"`
	APIKeyName        string `json:"api_key_name"`
	APIKeyValue       string `json:"api_key_value"`
	APIKeyLocation    string `json:"api_key_location"`
	BearerToken       string `json:"bearer_token"`
	BasicUsername     string `json:"basic_username"`
	BasicPassword     string `json:"basic_password"`
	OAuthClientID     string `json:"oauth_client_id"`
	OAuthClientSecret string `json:"oauth_client_secret"`
	OAuthTokenURL     string `json:"oauth_token_url"`
	OAuthScope        string `json:"oauth_scope"`
	RetryPolicy       string `json:"retry_policy"`
	ResponseHandling  string `json:"response_handling"`
	TimeoutMS         *int   `json:"timeout"`

	Extra map[string]any `json:"-"`
}

var httpKeys = []string{
	"url", "method", "headers", "query_params", "body",
	"auth_type", "api_key_name", "api_key_value", "api_key_location",
	"bearer_token", "basic_username", "basic_password",
	"oauth_client_id", "oauth_client_secret", "oauth_token_url", "oauth_scope",
	"retry_policy", "response_handling", "timeout",
}

// DecodeLLM decodes an llm node's data.
func (n *Node) DecodeLLM() (*LLMConfig, error) {
	var cfg LLMConfig
	extra, err := decodeData(n.Data, llmKeys, &cfg)
	cfg.Extra = extra
	return &cfg, err
}

// DecodeModelConfig decodes a model_config node's data.
func (n *Node) DecodeModelConfig() (*ModelConfig, error) {
	var cfg ModelConfig
	extra, err := decodeData(n.Data, modelConfigKeys, &cfg)
	cfg.Extra = extra
	return &cfg, err
}

// DecodeCode decodes a code node's data.
func (n *Node) DecodeCode() (*CodeConfig, error) {
	var cfg CodeConfig
	extra, err := decodeData(n.Data, codeKeys, &cfg)
	cfg.Extra = extra
	return &cfg, err
}

// DecodeHTTP decodes an http_action / api_consumer node's data.
func (n *Node) DecodeHTTP() (*HTTPConfig, error) {
	var cfg HTTPConfig
	extra, err := decodeData(n.Data, httpKeys, &cfg)
	cfg.Extra = extra
	return &cfg, err
}

// DecodeHTTPConfig decodes a bare config map, for the standalone
// api_consumer test endpoint where no node exists yet.
func DecodeHTTPConfig(data map[string]any) (*HTTPConfig, error) {
	var cfg HTTPConfig
	extra, err := decodeData(data, httpKeys, &cfg)
	cfg.Extra = extra
	return &cfg, err
}

// DecodeModelConfigMap decodes a bare model config map.
func DecodeModelConfigMap(data map[string]any) (*ModelConfig, error) {
	var cfg ModelConfig
	extra, err := decodeData(data, modelConfigKeys, &cfg)
	cfg.Extra = extra
	return &cfg, err
}

func decodeData(data map[string]any, known []string, out any) (map[string]any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, err
	}

	extra := make(map[string]any)
	for k, v := range data {
		if !contains(known, k) {
			extra[k] = v
		}
	}
	return extra, nil
}

func contains(keys []string, k string) bool {
	for _, key := range keys {
		if key == k {
			return true
		}
	}
	return false
}
