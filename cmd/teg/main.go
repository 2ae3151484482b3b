package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"teg/internal/config"
	"teg/internal/events"
	"teg/internal/ledger"
	"teg/internal/staking"
	"teg/internal/token"
	"teg/pkg/models"
)

var (
	configFile string
	verbose    bool

	// credit/burn 参数
	agentDID string
	amount   string
	reason   string

	// distribute 参数
	rewardPercent string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "teg",
		Short: "代币经济账本运维工具",
		Long: `直接操作账本数据库的运维工具，用于增发、销毁、奖励分配和守恒对账。
账本文件是独占锁，执行前需要先停止API服务。`,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")

	creditCmd := &cobra.Command{
		Use:   "credit",
		Short: "向指定代理增发代币",
		RunE:  runCredit,
	}
	creditCmd.Flags().StringVar(&agentDID, "agent", "", "代理DID")
	creditCmd.Flags().StringVar(&amount, "amount", "", "金额（十进制代币数）")
	creditCmd.Flags().StringVar(&reason, "reason", "manual credit", "原因备注")

	burnCmd := &cobra.Command{
		Use:   "burn",
		Short: "从指定代理销毁代币",
		RunE:  runBurn,
	}
	burnCmd.Flags().StringVar(&agentDID, "agent", "", "代理DID")
	burnCmd.Flags().StringVar(&amount, "amount", "", "金额（十进制代币数）")
	burnCmd.Flags().StringVar(&reason, "reason", "manual burn", "原因备注")

	distributeCmd := &cobra.Command{
		Use:   "distribute",
		Short: "执行一轮质押奖励分配",
		RunE:  runDistribute,
	}
	distributeCmd.Flags().StringVar(&rewardPercent, "percent", "", "奖励比例（如 2.5 表示 2.5%）")

	balanceCmd := &cobra.Command{
		Use:   "balance [agent_did]",
		Short: "查询代理余额",
		Args:  cobra.ExactArgs(1),
		RunE:  runBalance,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "查看账本状态并执行守恒对账",
		RunE:  runStatus,
	}

	unfreezeCmd := &cobra.Command{
		Use:   "unfreeze [agent_did]",
		Short: "人工对账后解冻账户",
		Args:  cobra.ExactArgs(1),
		RunE:  runUnfreeze,
	}

	rootCmd.AddCommand(creditCmd, burnCmd, distributeCmd, balanceCmd, statusCmd, unfreezeCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

// setup 加载配置并打开账本
func setup() (*config.Config, *ledger.Store, *token.Engine, events.Publisher, *logrus.Logger, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}

	store, err := ledger.Open(cfg.Ledger.DBPath, logger)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("打开账本失败: %w", err)
	}

	publisher, err := events.NewPublisher(cfg.Events, logger)
	if err != nil {
		store.Close()
		return nil, nil, nil, nil, nil, fmt.Errorf("创建事件发布器失败: %w", err)
	}

	transferFee, err := models.ParseAmount(cfg.Economy.TransferFee)
	if err != nil {
		store.Close()
		return nil, nil, nil, nil, nil, fmt.Errorf("解析转账手续费失败: %w", err)
	}
	minTransfer, err := models.ParseAmount(cfg.Economy.MinTransfer)
	if err != nil {
		store.Close()
		return nil, nil, nil, nil, nil, fmt.Errorf("解析最小转账金额失败: %w", err)
	}

	engine := token.NewEngine(store, publisher, transferFee, minTransfer, logger)
	return cfg, store, engine, publisher, logger, nil
}

func runCredit(cmd *cobra.Command, args []string) error {
	if agentDID == "" || amount == "" {
		return fmt.Errorf("credit 需要指定 --agent 和 --amount")
	}

	amt, err := models.ParseAmount(amount)
	if err != nil {
		return fmt.Errorf("无效的金额: %w", err)
	}

	_, store, engine, publisher, _, err := setup()
	if err != nil {
		return err
	}
	defer store.Close()
	defer publisher.Close()

	tx, err := engine.Issue(agentDID, amt, reason)
	if err != nil {
		return fmt.Errorf("增发失败: %w", err)
	}

	fmt.Printf("增发完成: %s -> %s (交易 %s)\n", amt.String(), agentDID, tx.TransactionID)
	return nil
}

func runBurn(cmd *cobra.Command, args []string) error {
	if agentDID == "" || amount == "" {
		return fmt.Errorf("burn 需要指定 --agent 和 --amount")
	}

	amt, err := models.ParseAmount(amount)
	if err != nil {
		return fmt.Errorf("无效的金额: %w", err)
	}

	_, store, engine, publisher, _, err := setup()
	if err != nil {
		return err
	}
	defer store.Close()
	defer publisher.Close()

	tx, err := engine.Burn(agentDID, amt, reason)
	if err != nil {
		return fmt.Errorf("销毁失败: %w", err)
	}

	fmt.Printf("销毁完成: %s <- %s (交易 %s)\n", amt.String(), agentDID, tx.TransactionID)
	return nil
}

func runDistribute(cmd *cobra.Command, args []string) error {
	if rewardPercent == "" {
		return fmt.Errorf("distribute 需要指定 --percent")
	}

	pct, err := models.ParseAmount(rewardPercent)
	if err != nil {
		return fmt.Errorf("无效的奖励比例: %w", err)
	}

	_, store, engine, publisher, logger, err := setup()
	if err != nil {
		return err
	}
	defer store.Close()
	defer publisher.Close()

	distributor := staking.NewDistributor(store, engine, publisher, logger)
	report, err := distributor.DistributeRewards(pct)
	if err != nil {
		return fmt.Errorf("奖励分配失败: %w", err)
	}

	fmt.Printf("奖励周期 %s 完成\n", report.CycleID)
	fmt.Printf("  质押总量:   %s\n", report.TotalStaked.String())
	fmt.Printf("  分配总额:   %s\n", report.DistributedTotal.String())
	fmt.Printf("  质押笔数:   %d\n", report.StakesPaid)
	fmt.Printf("  委托笔数:   %d\n", report.DelegationsPaid)
	if len(report.Failures) > 0 {
		fmt.Printf("  失败 %d 笔:\n", len(report.Failures))
		for _, f := range report.Failures {
			fmt.Printf("    - %s\n", f)
		}
	}
	return nil
}

func runBalance(cmd *cobra.Command, args []string) error {
	_, store, _, publisher, _, err := setup()
	if err != nil {
		return err
	}
	defer store.Close()
	defer publisher.Close()

	profile, err := store.GetAgent(args[0])
	if err != nil {
		return fmt.Errorf("查询失败: %w", err)
	}

	fmt.Printf("代理:     %s\n", profile.AgentDID)
	fmt.Printf("余额:     %s\n", profile.Balance.String())
	fmt.Printf("声誉分:   %d\n", profile.ReputationScore)
	fmt.Printf("状态:     %s\n", profile.Status)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, store, _, publisher, _, err := setup()
	if err != nil {
		return err
	}
	defer store.Close()
	defer publisher.Close()

	sum, issued, burned, err := store.ConservationCheck()
	if err != nil {
		return fmt.Errorf("守恒对账失败: %w", err)
	}

	expected := issued.Sub(burned)

	fmt.Println("账本状态")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Printf("%-14s: %s\n", "账本文件", cfg.Ledger.DBPath)
	fmt.Printf("%-14s: %s\n", "总增发", issued.String())
	fmt.Printf("%-14s: %s\n", "总销毁", burned.String())
	fmt.Printf("%-14s: %s\n", "余额总和", sum.String())
	if sum.Cmp(expected) == 0 {
		fmt.Printf("%-14s: 通过\n", "守恒校验")
		return nil
	}
	fmt.Printf("%-14s: 失败（期望 %s）\n", "守恒校验", expected.String())
	return fmt.Errorf("守恒校验失败: 余额总和 %s != 增发-销毁 %s", sum.String(), expected.String())
}

func runUnfreeze(cmd *cobra.Command, args []string) error {
	_, store, _, publisher, _, err := setup()
	if err != nil {
		return err
	}
	defer store.Close()
	defer publisher.Close()

	did := args[0]
	unlock := store.LockAgents(did)
	defer unlock()

	err = store.Update(func(tx *ledger.Tx) error {
		p, err := tx.Agent(did)
		if err != nil {
			return err
		}
		if p.Status != models.AgentStatusFrozen {
			return fmt.Errorf("账户未冻结: %s", p.Status)
		}
		p.Status = models.AgentStatusActive
		return tx.PutAgent(p)
	})
	if err != nil {
		return fmt.Errorf("解冻失败: %w", err)
	}

	fmt.Printf("账户已解冻: %s\n", did)
	return nil
}
