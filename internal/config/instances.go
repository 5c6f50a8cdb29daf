package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"wisefido-autooff/internal/models"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ErrInvalidInstance 配置实例不合法
var ErrInvalidInstance = errors.New("invalid instance")

// MaxTimeout 超时上限（24 小时）
const MaxTimeout = 1440 * time.Minute

var (
	entityIDPattern   = regexp.MustCompile(`^[a-z0-9_]+\.[a-z0-9_]+$`)
	instanceNamespace = uuid.MustParse("6f1c7a52-4b0e-4d3a-9d58-2f1a3c9e7b10")
)

type instanceFile struct {
	Instances []instanceEntry `yaml:"instances"`
}

type instanceEntry struct {
	models.InstanceConfig `yaml:",inline"`
	Timeout               string `yaml:"timeout"`
}

// LoadInstancesFile 从 YAML 文件加载并校验配置实例
//
//	instances:
//	  - name: Porch
//	    entities: [light.porch]
//	    timeout: "00:05:00"
//	    condition: is_state("sun.sun", "below_horizon")
func LoadInstancesFile(path string) ([]models.InstanceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read instances file: %w", err)
	}
	return ParseInstances(data)
}

// ParseInstances 解析 YAML 格式的配置实例
func ParseInstances(data []byte) ([]models.InstanceConfig, error) {
	var file instanceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse instances: %w", err)
	}

	instances := make([]models.InstanceConfig, 0, len(file.Instances))
	for i, entry := range file.Instances {
		inst := entry.InstanceConfig
		timeout, err := ParseTimeout(entry.Timeout)
		if err != nil {
			return nil, fmt.Errorf("%w: instance #%d (%s): %v", ErrInvalidInstance, i+1, inst.Name, err)
		}
		inst.Timeout = timeout
		EnsureID(&inst)
		instances = append(instances, inst)
	}

	if err := ValidateInstances(instances); err != nil {
		return nil, err
	}
	return instances, nil
}

// ParseTimeout 解析超时："HH:MM:SS" 或 Go duration（如 "5m"）
func ParseTimeout(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("timeout is required")
	}

	if strings.Contains(raw, ":") {
		parts := strings.Split(raw, ":")
		if len(parts) != 3 {
			return 0, fmt.Errorf("timeout %q must be HH:MM:SS", raw)
		}
		var total time.Duration
		units := []time.Duration{time.Hour, time.Minute, time.Second}
		for i, p := range parts {
			n, err := strconv.Atoi(p)
			if err != nil || n < 0 {
				return 0, fmt.Errorf("timeout %q must be HH:MM:SS", raw)
			}
			total += time.Duration(n) * units[i]
		}
		return total, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", raw, err)
	}
	return d, nil
}

// EnsureID 未指定 ID 时按名称生成稳定的 ID，保证重启后持久化记录仍能匹配
func EnsureID(inst *models.InstanceConfig) {
	if inst.ID != "" {
		return
	}
	inst.ID = uuid.NewSHA1(instanceNamespace, []byte(inst.Name)).String()
}

// ValidateInstances 校验配置实例
// 同一实体只有在所有相关实例都允许共享时才能出现在多个实例中
func ValidateInstances(instances []models.InstanceConfig) error {
	ids := make(map[string]struct{}, len(instances))
	owners := make(map[string][]models.InstanceConfig)

	for _, inst := range instances {
		if err := validateInstance(inst); err != nil {
			return err
		}
		if _, ok := ids[inst.ID]; ok {
			return fmt.Errorf("%w: duplicate instance id %s", ErrInvalidInstance, inst.ID)
		}
		ids[inst.ID] = struct{}{}

		for _, entityID := range inst.Entities {
			for _, other := range owners[entityID] {
				if !inst.AllowSharedEntities || !other.AllowSharedEntities {
					return fmt.Errorf("%w: entity %s is used by both %q and %q",
						ErrInvalidInstance, entityID, other.Name, inst.Name)
				}
			}
			owners[entityID] = append(owners[entityID], inst)
		}
	}
	return nil
}

func validateInstance(inst models.InstanceConfig) error {
	if inst.ID == "" {
		return fmt.Errorf("%w: instance %q has no id", ErrInvalidInstance, inst.Name)
	}
	if len(inst.Entities) == 0 {
		return fmt.Errorf("%w: instance %q has no entities", ErrInvalidInstance, inst.Name)
	}
	if inst.Timeout <= 0 || inst.Timeout > MaxTimeout {
		return fmt.Errorf("%w: instance %q timeout %s out of range (0, %s]", ErrInvalidInstance, inst.Name, inst.Timeout, MaxTimeout)
	}

	seen := make(map[string]struct{}, len(inst.Entities))
	for _, entityID := range inst.Entities {
		if !entityIDPattern.MatchString(entityID) {
			return fmt.Errorf("%w: instance %q has malformed entity id %q", ErrInvalidInstance, inst.Name, entityID)
		}
		if _, ok := seen[entityID]; ok {
			return fmt.Errorf("%w: instance %q lists %s twice", ErrInvalidInstance, inst.Name, entityID)
		}
		seen[entityID] = struct{}{}
	}
	return nil
}
