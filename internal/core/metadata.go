package core

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/y001j/fault-engine/internal/config"
	"github.com/y001j/fault-engine/internal/expression"
	"github.com/y001j/fault-engine/internal/mlmodel"
	"github.com/y001j/fault-engine/internal/ontology"
	"github.com/y001j/fault-engine/internal/rules"
)

// Metadata 绑定规则所需的全部静态数据
type Metadata struct {
	Ontology  *ontology.Registry
	Equipment []ontology.EquipmentContext
	Functions *expression.Functions
	Models    *mlmodel.Registry
	Rules     *rules.Manager
}

func pathOf(p config.PathConfig) string {
	if p.Dir != "" {
		return p.Dir
	}
	return p.File
}

// LoadMetadata 加载本体、设备清单、模型和规则
func LoadMetadata(cfg *config.Config) (*Metadata, error) {
	md := &Metadata{Functions: expression.NewFunctions()}

	if cfg.Ontology.File != "" {
		reg, err := ontology.LoadFile(cfg.Ontology.File)
		if err != nil {
			return nil, rules.NewBindError(rules.ErrCodeBindOntology, "加载本体失败", err).WithContext("file", cfg.Ontology.File)
		}
		md.Ontology = reg
		log.Info().Int("models", reg.Len()).Str("file", cfg.Ontology.File).Msg("本体加载完成")
	}

	if path := pathOf(cfg.Equipment); path != "" {
		eq, err := ontology.LoadEquipment(path)
		if err != nil {
			return nil, rules.NewBindError(rules.ErrCodeBindEquipment, "加载设备清单失败", err).WithContext("path", path)
		}
		md.Equipment = eq
		log.Info().Int("equipment", len(eq)).Str("path", path).Msg("设备清单加载完成")
	} else {
		log.Warn().Msg("未配置设备清单")
	}

	md.Models = mlmodel.NewRegistry(mlmodel.LinearRuntime{})
	if cfg.ML.Dir != "" {
		if err := md.Models.LoadDir(cfg.ML.Dir); err != nil {
			return nil, err
		}
		log.Info().Int("models", len(md.Models.Models())).Str("dir", cfg.ML.Dir).Msg("机器学习模型加载完成")
	}
	md.Models.RegisterFunctions(md.Functions)

	md.Rules = rules.NewManager(cfg.Rules.Dir)
	if err := md.Rules.LoadRules(); err != nil {
		return nil, fmt.Errorf("加载规则失败: %w", err)
	}
	return md, nil
}
