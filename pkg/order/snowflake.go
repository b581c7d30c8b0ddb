// 文件: pkg/order/snowflake.go
// 条件单全局 ID
//
// (account, index) 是业务主键，ID 只用于对外展示和跨系统对账。
// 多实例部署时每个实例配不同的 node_id (0-1023)

package order

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

// IDGenerator 生成条件单 ID
type IDGenerator interface {
	NextID() int64
}

// SnowflakeIDs 雪花算法实现
type SnowflakeIDs struct {
	node *snowflake.Node
}

// NewSnowflakeIDs nodeID 取值 0-1023
func NewSnowflakeIDs(nodeID int64) (*SnowflakeIDs, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("%w: node id %d: %v", ErrInvalidOrderBookConfig, nodeID, err)
	}
	return &SnowflakeIDs{node: node}, nil
}

// NextID 线程安全
func (s *SnowflakeIDs) NextID() int64 {
	return s.node.Generate().Int64()
}

// OrderIDTime ID 里编码的生成时间 (毫秒精度)
func OrderIDTime(id int64) time.Time {
	return time.UnixMilli(snowflake.ParseInt64(id).Time())
}
