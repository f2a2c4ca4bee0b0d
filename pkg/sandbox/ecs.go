package sandbox

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/nick-boey/homespun/pkg/config"
)

const (
	ecsStartedBy      = "homespun"
	ecsStatusRunning  = "RUNNING"
	ecsStatusStopped  = "STOPPED"
	ecsPollInterval   = 3 * time.Second
	ecsPrivateIPv4Key = "privateIPv4Address"
)

// ecsAPI is the subset of the ECS client used by the backend.
type ecsAPI interface {
	RunTask(ctx context.Context, in *ecs.RunTaskInput, optFns ...func(*ecs.Options)) (*ecs.RunTaskOutput, error)
	StopTask(ctx context.Context, in *ecs.StopTaskInput, optFns ...func(*ecs.Options)) (*ecs.StopTaskOutput, error)
	DescribeTasks(ctx context.Context, in *ecs.DescribeTasksInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error)
	ListTasks(ctx context.Context, in *ecs.ListTasksInput, optFns ...func(*ecs.Options)) (*ecs.ListTasksOutput, error)
}

// ECSBackend runs each bridge as a Fargate task.
type ECSBackend struct {
	config     config.ECSConfig
	bridgePort int
	client     ecsAPI
	prober     *Prober
	readiness  Readiness
	poll       time.Duration

	mu    sync.Mutex
	units map[string]*Unit
}

var _ Backend = (*ECSBackend)(nil)

// NewECSBackend loads AWS credentials from the default chain.
func NewECSBackend(ctx context.Context, cfg config.ECSConfig, bridgePort int, prober *Prober, readiness Readiness) (*ECSBackend, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}
	return newECSBackend(cfg, bridgePort, ecs.NewFromConfig(awsCfg), prober, readiness), nil
}

func newECSBackend(cfg config.ECSConfig, bridgePort int, client ecsAPI, prober *Prober, readiness Readiness) *ECSBackend {
	return &ECSBackend{
		config:     cfg,
		bridgePort: bridgePort,
		client:     client,
		prober:     prober,
		readiness:  readiness,
		poll:       ecsPollInterval,
		units:      make(map[string]*Unit),
	}
}

func (e *ECSBackend) Name() string { return "ecs" }

func (e *ECSBackend) Start(ctx context.Context, spec Spec) (*Unit, error) {
	env := mergeEnv(spec, fmt.Sprintf("0.0.0.0:%d", e.bridgePort))
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kv := make([]types.KeyValuePair, 0, len(keys))
	for _, k := range keys {
		kv = append(kv, types.KeyValuePair{Name: aws.String(k), Value: aws.String(env[k])})
	}
	if spec.WorkingDir != "" {
		kv = append(kv, types.KeyValuePair{Name: aws.String("HOMESPUN_WORKDIR"), Value: aws.String(spec.WorkingDir)})
	}

	override := types.ContainerOverride{
		Name:        aws.String(e.config.Container),
		Environment: kv,
	}
	if e.config.CPU > 0 {
		override.Cpu = aws.Int32(e.config.CPU)
	}
	if e.config.MemoryMiB > 0 {
		override.Memory = aws.Int32(e.config.MemoryMiB)
	}

	assign := types.AssignPublicIpDisabled
	if e.config.AssignPublicIP {
		assign = types.AssignPublicIpEnabled
	}

	tags := []types.Tag{{Key: aws.String(unitLabelKey), Value: aws.String("true")}}
	for k, v := range spec.Labels {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	out, err := e.client.RunTask(ctx, &ecs.RunTaskInput{
		Cluster:        aws.String(e.config.Cluster),
		TaskDefinition: aws.String(e.config.TaskDefinition),
		Count:          aws.Int32(1),
		LaunchType:     types.LaunchTypeFargate,
		StartedBy:      aws.String(ecsStartedBy),
		NetworkConfiguration: &types.NetworkConfiguration{
			AwsvpcConfiguration: &types.AwsVpcConfiguration{
				Subnets:        e.config.Subnets,
				SecurityGroups: e.config.SecurityGroups,
				AssignPublicIp: assign,
			},
		},
		Overrides: &types.TaskOverride{ContainerOverrides: []types.ContainerOverride{override}},
		Tags:      tags,
	})
	if err != nil {
		return nil, &TransientError{Op: "run ECS task", Err: err}
	}
	if len(out.Failures) > 0 {
		return nil, &TransientError{Op: "run ECS task", Err: errors.New(failureReason(out.Failures))}
	}
	if len(out.Tasks) == 0 {
		return nil, &TransientError{Op: "run ECS task", Err: errors.New("no task returned")}
	}
	taskArn := aws.ToString(out.Tasks[0].TaskArn)

	unit, err := e.awaitRunning(ctx, taskArn, spec)
	if err == nil {
		err = e.prober.WaitReady(ctx, unit.Endpoint, e.readiness, nil)
	}
	if err != nil {
		_ = e.stopTask(context.WithoutCancel(ctx), taskArn, "readiness failed")
		return nil, &TransientError{Op: "start ECS unit", Err: err}
	}

	e.mu.Lock()
	e.units[unit.ID] = unit
	e.mu.Unlock()

	slog.Info("Started ECS unit", "unit", unit.ID, "endpoint", unit.Endpoint)
	return unit, nil
}

// awaitRunning polls the task until it is RUNNING and has a private address.
func (e *ECSBackend) awaitRunning(ctx context.Context, taskArn string, spec Spec) (*Unit, error) {
	ctx, cancel := context.WithTimeout(ctx, cmp.Or(e.config.StartupTimeout, 5*time.Minute))
	defer cancel()

	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()

	for {
		out, err := e.client.DescribeTasks(ctx, &ecs.DescribeTasksInput{
			Cluster: aws.String(e.config.Cluster),
			Tasks:   []string{taskArn},
		})
		if err != nil {
			return nil, fmt.Errorf("describing task: %w", err)
		}
		if len(out.Tasks) > 0 {
			task := out.Tasks[0]
			switch aws.ToString(task.LastStatus) {
			case ecsStatusStopped:
				return nil, fmt.Errorf("%w: task stopped: %s", ErrUnitNotReady, aws.ToString(task.StoppedReason))
			case ecsStatusRunning:
				if ip := privateIP(task); ip != "" {
					return e.toUnit(task, ip, spec.WorkingDir), nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: task %s not running: %w", ErrUnitNotReady, taskArn, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (e *ECSBackend) toUnit(task types.Task, ip, workingDir string) *Unit {
	arn := aws.ToString(task.TaskArn)
	created := time.Now().UTC()
	if task.CreatedAt != nil {
		created = task.CreatedAt.UTC()
	}
	return &Unit{
		ID:         arn,
		Name:       arn[strings.LastIndex(arn, "/")+1:],
		WorkingDir: workingDir,
		Endpoint:   fmt.Sprintf("http://%s:%d", ip, e.bridgePort),
		CreatedAt:  created,
		Backend:    e.Name(),
		Handle:     arn,
	}
}

func privateIP(task types.Task) string {
	for _, att := range task.Attachments {
		for _, d := range att.Details {
			if aws.ToString(d.Name) == ecsPrivateIPv4Key {
				return aws.ToString(d.Value)
			}
		}
	}
	return ""
}

func failureReason(failures []types.Failure) string {
	reasons := make([]string, 0, len(failures))
	for _, f := range failures {
		reasons = append(reasons, aws.ToString(f.Reason))
	}
	return strings.Join(reasons, "; ")
}

func (e *ECSBackend) Stop(ctx context.Context, unitID string) error {
	e.mu.Lock()
	_, ok := e.units[unitID]
	delete(e.units, unitID)
	e.mu.Unlock()
	if !ok {
		return ErrUnitNotFound
	}
	return e.stopTask(ctx, unitID, "session stopped")
}

func (e *ECSBackend) stopTask(ctx context.Context, taskArn, reason string) error {
	_, err := e.client.StopTask(ctx, &ecs.StopTaskInput{
		Cluster: aws.String(e.config.Cluster),
		Task:    aws.String(taskArn),
		Reason:  aws.String(reason),
	})
	if err != nil {
		slog.Warn("Failed to stop ECS task", "task", taskArn, "error", err)
		return fmt.Errorf("stopping task: %w", err)
	}
	slog.Info("Stopped ECS unit", "unit", taskArn, "reason", reason)
	return nil
}

// List returns tracked units that ECS still reports as running.
func (e *ECSBackend) List(ctx context.Context) ([]*Unit, error) {
	out, err := e.client.ListTasks(ctx, &ecs.ListTasksInput{
		Cluster:       aws.String(e.config.Cluster),
		StartedBy:     aws.String(ecsStartedBy),
		DesiredStatus: types.DesiredStatusRunning,
	})
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	running := make(map[string]struct{}, len(out.TaskArns))
	for _, arn := range out.TaskArns {
		running[arn] = struct{}{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	var units []*Unit
	for id, u := range e.units {
		if _, ok := running[id]; ok {
			units = append(units, u)
		}
	}
	return units, nil
}

func (e *ECSBackend) HealthCheck(ctx context.Context, unit *Unit) bool {
	return e.prober.Check(ctx, unit.Endpoint)
}

func (e *ECSBackend) Close(ctx context.Context) error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.units))
	for id := range e.units {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := e.Stop(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
