package example

import (
	"context"
	"errors"
	"fmt"

	"github.com/xiaoxuxiansheng/redis_lock"

	"github.com/xiaoxuxiansheng/goat"
	"github.com/xiaoxuxiansheng/goat/datasource"
	"github.com/xiaoxuxiansheng/goat/log"
)

// 订单支付示例
// 一次支付在同一个全局事务中完成两件事:
//  1. 库存库 stockdb: 扣减商品库存
//  2. 订单库 orderdb: 把订单从 NEW 置为 PAID
// 任何一步失败都会回滚全局事务, 两个库中已经执行的语句由各自的 undo 日志补偿

const (
	OrderResourceID = "orderdb"
	StockResourceID = "stockdb"
)

var (
	// ErrStockNotEnough 库存不足
	ErrStockNotEnough = errors.New("example: stock not enough")
	// ErrOrderNotPayable 订单不存在或不是待支付状态
	ErrOrderNotPayable = errors.New("example: order not payable")
	// ErrPaymentInProgress 相同请求号的支付正在进行
	ErrPaymentInProgress = errors.New("example: payment in progress")
)

// PayStatus 一次支付请求的处理状态, 记录在 redis 中用于幂等去重
type PayStatus string

func (p PayStatus) String() string {
	return string(p)
}

const (
	PayPaying PayStatus = "paying"
	PayPaid   PayStatus = "paid"
	PayFailed PayStatus = "failed"
)

// BuildPayKey 支付请求的幂等 key
func BuildPayKey(requestID string) string {
	return fmt.Sprintf("goat:example:pay:%s", requestID)
}

// OrderService 订单服务
type OrderService struct {
	client *goat.Client
	orders *datasource.DataSource
	stock  *datasource.DataSource
	redis  *redis_lock.Client
}

// NewOrderService client 中需要已经注册 orderdb 与 stockdb 两个数据源
func NewOrderService(client *goat.Client, redis *redis_lock.Client) (*OrderService, error) {
	orders, ok := client.DataSource(OrderResourceID)
	if !ok {
		return nil, fmt.Errorf("example: datasource %s not registered", OrderResourceID)
	}
	stock, ok := client.DataSource(StockResourceID)
	if !ok {
		return nil, fmt.Errorf("example: datasource %s not registered", StockResourceID)
	}
	return &OrderService{
		client: client,
		orders: orders,
		stock:  stock,
		redis:  redis,
	}, nil
}

// Pay 支付订单, 相同 requestID 的重复请求只会执行一次
func (o *OrderService) Pay(ctx context.Context, requestID string, orderID, skuID int64, quantity int) error {
	// 1. 基于请求号幂等去重
	key := BuildPayKey(requestID)
	reply, err := o.redis.SetNX(ctx, key, PayPaying.String())
	if err != nil {
		return err
	}
	if reply != 1 {
		status, err := o.redis.Get(ctx, key)
		if err != nil && !errors.Is(err, redis_lock.ErrNil) {
			return err
		}
		switch status {
		case PayPaid.String(): // 重复的请求, 直接响应成功
			return nil
		case PayPaying.String():
			return ErrPaymentInProgress
		default: // 此前失败的请求允许重试
			if _, err = o.redis.Set(ctx, key, PayPaying.String()); err != nil {
				return err
			}
		}
	}

	// 2. 全局事务
	err = o.client.Execute(ctx, "pay-order", func(ctx context.Context) error {
		res, err := o.stock.ExecContext(ctx,
			"UPDATE stock SET quantity = quantity - ? WHERE sku_id = ? AND quantity >= ?", quantity, skuID, quantity)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrStockNotEnough
		}

		res, err = o.orders.ExecContext(ctx,
			"UPDATE orders SET status = ? WHERE id = ? AND status = ?", "PAID", orderID, "NEW")
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrOrderNotPayable
		}
		return nil
	})

	// 3. 记录处理结果, 这一步失败不影响支付结果
	status := PayPaid
	if err != nil {
		status = PayFailed
		log.WarnContextf(ctx, "pay order failed, request: %s, order: %d, err: %v", requestID, orderID, err)
	}
	if _, serr := o.redis.Set(ctx, key, status.String()); serr != nil {
		log.ErrorContextf(ctx, "save pay status failed, request: %s, err: %v", requestID, serr)
	}
	return err
}
