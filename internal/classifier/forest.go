package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/apk-analysis/config-analysis/internal/domain"
	"github.com/apk-analysis/config-analysis/internal/features"
)

// Node 决策树节点
// 非叶子节点: x[Feature] <= Threshold 走 Left，否则走 Right
type Node struct {
	Leaf      bool    `json:"leaf,omitempty"`
	Class     int     `json:"class,omitempty"`
	Feature   int     `json:"feature,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Left      int     `json:"left,omitempty"`
	Right     int     `json:"right,omitempty"`
}

// Tree 决策树（节点按前序存储，根节点下标为 0）
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Forest 离线训练好的随机森林，只做推理
type Forest struct {
	ModelType    string   `json:"model_type"`
	FeatureNames []string `json:"feature_names"`
	Classes      []int    `json:"classes"`
	Trees        []Tree   `json:"trees"`
}

// LoadForest 从 JSON 文件加载模型
func LoadForest(path string) (*Forest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.ModelLoadError{Path: path, Err: err}
	}

	var forest Forest
	if err := json.Unmarshal(data, &forest); err != nil {
		return nil, &domain.ModelLoadError{Path: path, Err: err}
	}

	if err := forest.validate(); err != nil {
		return nil, &domain.ModelLoadError{Path: path, Err: err}
	}

	return &forest, nil
}

// validate 检查模型结构，保证推理时不会越界或死循环
func (f *Forest) validate() error {
	if len(f.FeatureNames) == 0 {
		return errors.New("model declares no features")
	}
	if len(f.Trees) == 0 {
		return errors.New("model has no trees")
	}
	for _, class := range f.Classes {
		if class != int(VerdictInsecure) && class != int(VerdictSecure) {
			return fmt.Errorf("unsupported class label %d", class)
		}
	}

	for t, tree := range f.Trees {
		if len(tree.Nodes) == 0 {
			return fmt.Errorf("tree %d is empty", t)
		}
		for i, node := range tree.Nodes {
			if node.Leaf {
				if node.Class != int(VerdictInsecure) && node.Class != int(VerdictSecure) {
					return fmt.Errorf("tree %d node %d: unsupported class %d", t, i, node.Class)
				}
				continue
			}
			if node.Feature < 0 || node.Feature >= len(f.FeatureNames) {
				return fmt.Errorf("tree %d node %d: feature index %d out of range", t, i, node.Feature)
			}
			// 子节点下标必须大于父节点，保证无环
			if node.Left <= i || node.Left >= len(tree.Nodes) || node.Right <= i || node.Right >= len(tree.Nodes) {
				return fmt.Errorf("tree %d node %d: invalid children %d/%d", t, i, node.Left, node.Right)
			}
		}
	}
	return nil
}

// CheckShape 检查特征向量与模型输入是否一致
func (f *Forest) CheckShape() error {
	if len(f.FeatureNames) != features.Width {
		return &domain.FeatureConversionError{
			Feature: "vector",
			Value:   fmt.Sprintf("%d columns", features.Width),
			Reason:  fmt.Sprintf("model expects %d columns", len(f.FeatureNames)),
		}
	}
	for i, name := range f.FeatureNames {
		if name != features.Columns[i] {
			return &domain.FeatureConversionError{
				Feature: features.Columns[i],
				Value:   fmt.Sprintf("column %d", i),
				Reason:  fmt.Sprintf("model expects %q at column %d", name, i),
			}
		}
	}
	return nil
}

// Predict 多棵树投票，票数相同时判定为 insecure
func (f *Forest) Predict(ctx context.Context, vec features.Vector) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return VerdictInsecure, err
	}
	if err := f.CheckShape(); err != nil {
		return VerdictInsecure, err
	}

	row := vec.Row()
	var votes [2]int
	for _, tree := range f.Trees {
		votes[tree.predict(row)]++
	}

	if votes[VerdictSecure] > votes[VerdictInsecure] {
		return VerdictSecure, nil
	}
	return VerdictInsecure, nil
}

func (t Tree) predict(row []float64) int {
	i := 0
	for {
		node := t.Nodes[i]
		if node.Leaf {
			return node.Class
		}
		if row[node.Feature] <= node.Threshold {
			i = node.Left
		} else {
			i = node.Right
		}
	}
}
