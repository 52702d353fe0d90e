// Package engine 实现工作流图的遍历执行：从入口节点出发，逐个
// 节点解析输入、分发执行、持久化输出，并沿带标签的边前进。
package engine

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/google/uuid"

	"github.com/copilfi/copil/internal/chain"
	xerrors "github.com/copilfi/copil/internal/errors"
	"github.com/copilfi/copil/internal/execution"
	"github.com/copilfi/copil/internal/signing"
	"github.com/copilfi/copil/internal/workflow"
	"github.com/copilfi/copil/pkg/logger"
)

// ChainService 是引擎用到的链上操作子集。
type ChainService interface {
	GetSwapQuote(ctx context.Context, req chain.SwapRequest) (*chain.SwapQuote, error)
	ExecuteSwap(ctx context.Context, quote *chain.SwapQuote, auth *chain.ExecutionAuth) (*chain.TransactionResult, error)
	GetBridgeQuote(ctx context.Context, req chain.BridgeRequest) (*chain.BridgeQuote, error)
	ExecuteBridge(ctx context.Context, quote *chain.BridgeQuote, auth *chain.ExecutionAuth) (*chain.TransactionResult, error)
	GetStakingQuote(ctx context.Context, req chain.StakingRequest) (*chain.StakingQuote, error)
	ExecuteStaking(ctx context.Context, quote *chain.StakingQuote, auth *chain.ExecutionAuth) (*chain.TransactionResult, error)
	GetLendingQuote(ctx context.Context, req chain.LendingRequest) (*chain.LendingQuote, error)
	ExecuteSupply(ctx context.Context, quote *chain.LendingQuote, auth *chain.ExecutionAuth) (*chain.TransactionResult, error)
	GetOnchainData(ctx context.Context, req chain.DataRequest) (*chain.OnchainData, error)
}

// GrantService 是引擎用到的授权与签名子集。
type GrantService interface {
	FindValidGrant(ctx context.Context, userID, target string, value *big.Int) (*signing.Grant, error)
	SignQuote(ctx context.Context, grant *signing.Grant, quoteID string) ([]byte, error)
}

// Notifier 发送通知节点与失败告警。
type Notifier interface {
	Send(ctx context.Context, url, message string, payload map[string]any) error
}

// Engine 是图执行引擎。所有依赖都通过构造函数注入。
type Engine struct {
	executions execution.Store
	chains     ChainService
	grants     GrantService
	notifier   Notifier
	log        *slog.Logger
	audit      *slog.Logger
	maxSteps   int
}

// Option 定义可选配置。
type Option func(*Engine)

// WithMaxSteps 覆盖单次执行允许经过的最大节点数。
func WithMaxSteps(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithLogger 覆盖默认日志器。
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// New 创建执行引擎。
func New(executions execution.Store, chains ChainService, grants GrantService, notifier Notifier, opts ...Option) *Engine {
	e := &Engine{
		executions: executions,
		chains:     chains,
		grants:     grants,
		notifier:   notifier,
		log:        logger.Named("engine"),
		audit:      logger.Audit(),
		maxSteps:   256,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute 对工作流执行一次完整遍历。执行记录在创建后以及每个
// 节点完成后都会持久化；任一节点失败时执行记录带着失败节点与
// 原因落库，错误原样向上抛出。
func (e *Engine) Execute(ctx context.Context, wf *workflow.Workflow) (*execution.Execution, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}

	nodesByID := make(map[string]workflow.Node, len(wf.Nodes))
	for _, node := range wf.Nodes {
		nodesByID[node.ID] = node
	}
	edgesBySource := make(map[string][]workflow.Edge, len(wf.Edges))
	for _, edge := range wf.Edges {
		edgesBySource[edge.Source] = append(edgesBySource[edge.Source], edge)
	}

	exec := &execution.Execution{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		Status:     execution.StatusPending,
	}
	exec.Start(wf.EntryNodeID())
	if err := e.executions.Create(ctx, exec); err != nil {
		return nil, err
	}

	e.audit.Info("execution started",
		"execution_id", exec.ID, "workflow_id", wf.ID, "entry_node", exec.CurrentNodeID)

	steps := 0
	for exec.CurrentNodeID != "" {
		steps++
		if steps > e.maxSteps {
			return e.fail(ctx, exec, exec.CurrentNodeID,
				xerrors.New(workflow.CodeWorkflowStructure,
					fmt.Sprintf("执行步数超过上限 %d，图中可能存在死循环", e.maxSteps)))
		}

		node, ok := nodesByID[exec.CurrentNodeID]
		if !ok {
			return e.fail(ctx, exec, exec.CurrentNodeID,
				xerrors.New(workflow.CodeWorkflowStructure,
					fmt.Sprintf("边指向不存在的节点 %q", exec.CurrentNodeID)))
		}

		resolved, err := ResolveInputs(node.Config, exec.Data)
		if err != nil {
			return e.fail(ctx, exec, node.ID, err)
		}

		output, label, err := e.dispatch(ctx, wf, exec, node, resolved)
		if err != nil {
			return e.fail(ctx, exec, node.ID, err)
		}

		next := followEdge(edgesBySource[node.ID], label)
		e.log.Debug("node completed",
			"execution_id", exec.ID, "node_id", node.ID, "node_type", node.Type,
			"edge_label", label, "next_node", next)

		exec.Advance(node.ID, output, next)
		if err := e.executions.Update(ctx, exec); err != nil {
			// 进度落库失败也要把执行记录收敛到终态，
			// 否则记录会永远停在 executing。
			return e.fail(ctx, exec, node.ID,
				xerrors.Wrap(xerrors.CodeStorageFailure, err, "持久化执行进度失败"))
		}
	}

	exec.Complete(map[string]any{
		"nodes_executed": steps,
		"tx_hash":        exec.TxHash,
	})
	if err := e.executions.Update(ctx, exec); err != nil {
		return nil, err
	}
	e.audit.Info("execution completed",
		"execution_id", exec.ID, "workflow_id", wf.ID, "nodes_executed", steps)
	return exec, nil
}

// dispatch 按节点类型执行一个节点，返回输出与出边标签。
// 节点类型是封闭枚举，新增类型必须在这里补分支。
func (e *Engine) dispatch(ctx context.Context, wf *workflow.Workflow, exec *execution.Execution, node workflow.Node, resolved map[string]any) (map[string]any, string, error) {
	switch node.Type {
	case NodeCondition:
		var cfg ConditionNodeConfig
		if err := decodeNodeConfig(resolved, &cfg); err != nil {
			return nil, "", err
		}
		output, result, err := e.runCondition(ctx, cfg)
		if err != nil {
			return nil, "", err
		}
		label := workflow.EdgeOnFalse
		if result {
			label = workflow.EdgeOnTrue
		}
		return output, label, nil

	case NodeSwap:
		var cfg SwapNodeConfig
		if err := decodeNodeConfig(resolved, &cfg); err != nil {
			return nil, "", err
		}
		output, err := e.runSwap(ctx, wf, exec, cfg)
		return output, workflow.EdgeDefault, err

	case NodeBridge:
		var cfg BridgeNodeConfig
		if err := decodeNodeConfig(resolved, &cfg); err != nil {
			return nil, "", err
		}
		output, err := e.runBridge(ctx, wf, exec, cfg)
		return output, workflow.EdgeDefault, err

	case NodeStake:
		var cfg StakeNodeConfig
		if err := decodeNodeConfig(resolved, &cfg); err != nil {
			return nil, "", err
		}
		output, err := e.runStake(ctx, wf, exec, cfg)
		return output, workflow.EdgeDefault, err

	case NodeSupplyAsset:
		var cfg SupplyNodeConfig
		if err := decodeNodeConfig(resolved, &cfg); err != nil {
			return nil, "", err
		}
		output, err := e.runSupply(ctx, wf, exec, cfg)
		return output, workflow.EdgeDefault, err

	case NodeNotification:
		var cfg NotificationNodeConfig
		if err := decodeNodeConfig(resolved, &cfg); err != nil {
			return nil, "", err
		}
		if cfg.URL == "" {
			return nil, "", xerrors.New(CodeNodeConfig, "通知节点缺少 url")
		}
		if err := e.notifier.Send(ctx, cfg.URL, cfg.Message, map[string]any{
			"workflow_id":  wf.ID,
			"execution_id": exec.ID,
		}); err != nil {
			return nil, "", err
		}
		return map[string]any{"notified": true}, workflow.EdgeDefault, nil

	default:
		return nil, "", xerrors.New(workflow.CodeWorkflowStructure,
			fmt.Sprintf("未知的节点类型 %q (节点 %s)", node.Type, node.ID))
	}
}

// runCondition 求值条件节点。带 source 的条件先取链上数据，把读到
// 的当前值与 value 阈值比较；不带 source 的条件直接比较两个字面值。
func (e *Engine) runCondition(ctx context.Context, cfg ConditionNodeConfig) (map[string]any, bool, error) {
	if cfg.Source == "" {
		result, err := evaluateCondition(cfg)
		if err != nil {
			return nil, false, err
		}
		return map[string]any{"result": result}, result, nil
	}

	data, err := e.chains.GetOnchainData(ctx, chain.DataRequest{
		Source: cfg.Source,
		Chain:  cfg.Chain,
		Key:    cfg.Key,
	})
	if err != nil {
		return nil, false, err
	}
	result, err := evaluateCondition(ConditionNodeConfig{
		Left:     data.Value,
		Operator: cfg.Operator,
		Right:    cfg.Value,
	})
	if err != nil {
		return nil, false, err
	}
	return map[string]any{
		"result":   result,
		"source":   cfg.Source,
		"observed": data.Value,
	}, result, nil
}

func (e *Engine) runSwap(ctx context.Context, wf *workflow.Workflow, exec *execution.Execution, cfg SwapNodeConfig) (map[string]any, error) {
	quote, err := e.chains.GetSwapQuote(ctx, chain.SwapRequest{
		Chain:       cfg.Chain,
		FromToken:   cfg.FromToken,
		ToToken:     cfg.ToToken,
		FromAmount:  cfg.Amount,
		FromAddress: wf.SCAAddress,
	})
	if err != nil {
		return nil, err
	}

	auth, grant, err := e.authorize(ctx, wf, grantTarget(quote.TargetContract, cfg.Target), quote.FromAmount, quote.QuoteID)
	if err != nil {
		return nil, err
	}

	result, err := executeQuoted(ctx, e, grant, quote, auth,
		func(ctx context.Context, q *chain.SwapQuote, a *chain.ExecutionAuth) (*chain.TransactionResult, error) {
			if q.Degraded {
				return nil, xerrors.New(xerrors.CodeProviderFailure, "仅有降级报价，拒绝执行兑换")
			}
			return e.chains.ExecuteSwap(ctx, q, a)
		},
		func(ctx context.Context) (*chain.SwapQuote, error) {
			return e.chains.GetSwapQuote(ctx, chain.SwapRequest{
				Chain:       cfg.Chain,
				FromToken:   cfg.FromToken,
				ToToken:     cfg.ToToken,
				FromAmount:  cfg.Amount,
				FromAddress: wf.SCAAddress,
			})
		},
		func(q *chain.SwapQuote) string { return q.QuoteID })
	if err != nil {
		return nil, err
	}

	exec.TxHash = result.Hash
	return map[string]any{
		"quote":       toMap(quote),
		"transaction": toMap(result),
		"tx_hash":     result.Hash,
		"provider":    result.Provider,
	}, nil
}

func (e *Engine) runBridge(ctx context.Context, wf *workflow.Workflow, exec *execution.Execution, cfg BridgeNodeConfig) (map[string]any, error) {
	quote, err := e.chains.GetBridgeQuote(ctx, chain.BridgeRequest{
		FromChain:   cfg.FromChain,
		ToChain:     cfg.ToChain,
		Token:       cfg.Token,
		Amount:      cfg.Amount,
		FromAddress: wf.SCAAddress,
	})
	if err != nil {
		return nil, err
	}

	auth, grant, err := e.authorize(ctx, wf, grantTarget(quote.TargetContract, cfg.Target), quote.Amount, quote.QuoteID)
	if err != nil {
		return nil, err
	}

	result, err := executeQuoted(ctx, e, grant, quote, auth,
		func(ctx context.Context, q *chain.BridgeQuote, a *chain.ExecutionAuth) (*chain.TransactionResult, error) {
			if q.Degraded {
				return nil, xerrors.New(xerrors.CodeProviderFailure, "仅有降级报价，拒绝执行跨链")
			}
			return e.chains.ExecuteBridge(ctx, q, a)
		},
		func(ctx context.Context) (*chain.BridgeQuote, error) {
			return e.chains.GetBridgeQuote(ctx, chain.BridgeRequest{
				FromChain:   cfg.FromChain,
				ToChain:     cfg.ToChain,
				Token:       cfg.Token,
				Amount:      cfg.Amount,
				FromAddress: wf.SCAAddress,
			})
		},
		func(q *chain.BridgeQuote) string { return q.QuoteID })
	if err != nil {
		return nil, err
	}

	exec.TxHash = result.Hash
	return map[string]any{
		"quote":       toMap(quote),
		"transaction": toMap(result),
		"tx_hash":     result.Hash,
		"provider":    result.Provider,
	}, nil
}

func (e *Engine) runStake(ctx context.Context, wf *workflow.Workflow, exec *execution.Execution, cfg StakeNodeConfig) (map[string]any, error) {
	quote, err := e.chains.GetStakingQuote(ctx, chain.StakingRequest{
		Chain:       cfg.Chain,
		Protocol:    cfg.Protocol,
		Asset:       cfg.Asset,
		Amount:      cfg.Amount,
		FromAddress: wf.SCAAddress,
	})
	if err != nil {
		return nil, err
	}

	auth, grant, err := e.authorize(ctx, wf, grantTarget(quote.TargetContract, cfg.Target), quote.Amount, quote.QuoteID)
	if err != nil {
		return nil, err
	}

	result, err := executeQuoted(ctx, e, grant, quote, auth,
		func(ctx context.Context, q *chain.StakingQuote, a *chain.ExecutionAuth) (*chain.TransactionResult, error) {
			return e.chains.ExecuteStaking(ctx, q, a)
		},
		func(ctx context.Context) (*chain.StakingQuote, error) {
			return e.chains.GetStakingQuote(ctx, chain.StakingRequest{
				Chain:       cfg.Chain,
				Protocol:    cfg.Protocol,
				Asset:       cfg.Asset,
				Amount:      cfg.Amount,
				FromAddress: wf.SCAAddress,
			})
		},
		func(q *chain.StakingQuote) string { return q.QuoteID })
	if err != nil {
		return nil, err
	}

	exec.TxHash = result.Hash
	return map[string]any{
		"quote":       toMap(quote),
		"transaction": toMap(result),
		"tx_hash":     result.Hash,
		"provider":    result.Provider,
	}, nil
}

func (e *Engine) runSupply(ctx context.Context, wf *workflow.Workflow, exec *execution.Execution, cfg SupplyNodeConfig) (map[string]any, error) {
	quote, err := e.chains.GetLendingQuote(ctx, chain.LendingRequest{
		Chain:       cfg.Chain,
		Protocol:    cfg.Protocol,
		Asset:       cfg.Asset,
		Amount:      cfg.Amount,
		FromAddress: wf.SCAAddress,
	})
	if err != nil {
		return nil, err
	}

	auth, grant, err := e.authorize(ctx, wf, grantTarget(quote.TargetContract, cfg.Target), quote.Amount, quote.QuoteID)
	if err != nil {
		return nil, err
	}

	result, err := executeQuoted(ctx, e, grant, quote, auth,
		func(ctx context.Context, q *chain.LendingQuote, a *chain.ExecutionAuth) (*chain.TransactionResult, error) {
			return e.chains.ExecuteSupply(ctx, q, a)
		},
		func(ctx context.Context) (*chain.LendingQuote, error) {
			return e.chains.GetLendingQuote(ctx, chain.LendingRequest{
				Chain:       cfg.Chain,
				Protocol:    cfg.Protocol,
				Asset:       cfg.Asset,
				Amount:      cfg.Amount,
				FromAddress: wf.SCAAddress,
			})
		},
		func(q *chain.LendingQuote) string { return q.QuoteID })
	if err != nil {
		return nil, err
	}

	exec.TxHash = result.Hash
	return map[string]any{
		"quote":       toMap(quote),
		"transaction": toMap(result),
		"tx_hash":     result.Hash,
		"provider":    result.Provider,
	}, nil
}

// grantTarget 选出授权检查的目标合约：优先用报价携带的合约地址，
// 报价未给出时退回节点配置里的目标。
func grantTarget(quoted, configured string) string {
	if quoted != "" {
		return quoted
	}
	return configured
}

// authorize 在拿到报价之后、执行之前完成授权检查与签名。
// 找不到符合条件的授权时直接判 GRANT_DENIED，不会发起执行调用。
// 数额解析不了就拒绝：带限额的授权绝不能给无法约束的数额放行。
func (e *Engine) authorize(ctx context.Context, wf *workflow.Workflow, target, amount, quoteID string) (*chain.ExecutionAuth, *signing.Grant, error) {
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("交易数额 %q 不是十进制整数，无法做限额检查", amount))
	}

	grant, err := e.grants.FindValidGrant(ctx, wf.UserID, target, value)
	if err != nil {
		return nil, nil, err
	}
	if grant == nil {
		return nil, nil, xerrors.New(signing.CodeGrantDenied,
			fmt.Sprintf("用户 %s 没有覆盖目标 %s 的有效授权", wf.UserID, target))
	}

	signature, err := e.grants.SignQuote(ctx, grant, quoteID)
	if err != nil {
		return nil, nil, err
	}
	return &chain.ExecutionAuth{
		Address:   grant.PublicAddress,
		Signature: signature,
	}, grant, nil
}

// quoted 是带过期时间的报价类型约束。
type quoted interface {
	*chain.SwapQuote | *chain.BridgeQuote | *chain.StakingQuote | *chain.LendingQuote
}

// executeQuoted 执行报价；执行时报价已过期则重新询价一次、用同一
// 份授权重签后重试，第二次的结果原样返回。
func executeQuoted[Q quoted](ctx context.Context, e *Engine, grant *signing.Grant, quote Q, auth *chain.ExecutionAuth,
	execute func(context.Context, Q, *chain.ExecutionAuth) (*chain.TransactionResult, error),
	requote func(context.Context) (Q, error),
	idOf func(Q) string,
) (*chain.TransactionResult, error) {
	result, err := execute(ctx, quote, auth)
	if err == nil {
		return result, nil
	}
	if !stdErrors.Is(err, chain.ErrQuoteExpired) {
		return nil, err
	}

	e.log.Info("quote expired at execute time, re-quoting once",
		"grant_id", grant.ID, "quote_id", idOf(quote))
	fresh, err := requote(ctx)
	if err != nil {
		return nil, err
	}
	signature, err := e.grants.SignQuote(ctx, grant, idOf(fresh))
	if err != nil {
		return nil, err
	}
	return execute(ctx, fresh, &chain.ExecutionAuth{
		Address:   grant.PublicAddress,
		Signature: signature,
	})
}

func toMap(value any) map[string]any {
	encoded, err := json.Marshal(value)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(encoded, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// followEdge 返回带指定标签的第一条出边的目标节点；事务节点接受
// default 标签或无标签的边。找不到匹配的边是合法终点。
func followEdge(edges []workflow.Edge, label string) string {
	for _, edge := range edges {
		if edge.Label == label {
			return edge.Target
		}
		if label == workflow.EdgeDefault && edge.Label == "" {
			return edge.Target
		}
	}
	return ""
}

func (e *Engine) fail(ctx context.Context, exec *execution.Execution, nodeID string, cause error) (*execution.Execution, error) {
	exec.Fail(nodeID, cause.Error())
	if err := e.executions.Update(ctx, exec); err != nil {
		e.log.Error("failed to persist failed execution",
			"execution_id", exec.ID, "error", err)
	}
	e.audit.Warn("execution failed",
		"execution_id", exec.ID, "workflow_id", exec.WorkflowID,
		"failed_at_node", nodeID, "error", cause.Error())
	return exec, cause
}
