// tinydist 是文件服务的命令行客户端。连接参数来自环境变量
// SERVER_URL、AUTH_TOKEN、ADMIN_TOKEN、CHUNK_SIZE，或当前目录下的 .env 文件。
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"tinydist/internal/service"
	"tinydist/pkg/client"
	"tinydist/pkg/errs"
)

// exitError 携带进程退出码。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) ExitCode() int { return e.code }

func main() {
	if err := run(os.Args[1:]); err != nil {
		code := 1
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			code = coder.ExitCode()
		}
		if code != 0 {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(code)
	}
}

type command struct {
	summary string
	run     func(ctx context.Context, c *client.Client, args []string) error
}

var commands = map[string]command{
	"upload":    {"上传文件或目录（目录会递归遍历）", runUpload},
	"get":       {"按 ID 或文件名下载并校验", runGet},
	"list":      {"列出文件元数据", runList},
	"delete":    {"删除文件", runDelete},
	"verify":    {"校验本地文件与服务端记录的摘要", runVerify},
	"reconcile": {"对比元数据与磁盘", runReconcile},
	"sweep":     {"清理过期的未完成上传", runSweep},
}

var commandOrder = []string{"upload", "get", "list", "delete", "verify", "reconcile", "sweep"}

func run(args []string) error {
	global := pflag.NewFlagSet("tinydist", pflag.ContinueOnError)
	envFile := global.String("env-file", ".env", "读取连接参数的 .env 文件")
	global.SetInterspersed(false)
	global.Usage = func() { printHelp(global) }
	if err := global.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	rest := global.Args()
	if len(rest) == 0 {
		printHelp(global)
		return &exitError{code: 2, err: errors.New("缺少子命令")}
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		printHelp(global)
		return &exitError{code: 2, err: fmt.Errorf("未知的子命令: %s", rest[0])}
	}

	cfg, err := client.LoadEnv(*envFile)
	if err != nil {
		return err
	}
	c := client.New(cfg)
	c.Progress = client.NewBar(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return cmd.run(ctx, c, rest[1:])
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "用法:\n  tinydist [--env-file PATH] <command> [flags] [args]\n\n命令:\n")
	for _, name := range commandOrder {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", name, commands[name].summary)
	}
	fmt.Fprintf(os.Stderr, "\n全局参数:\n")
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}

func parseFlags(fs *pflag.FlagSet, args []string) error {
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return &exitError{code: 0, err: err}
		}
		return &exitError{code: 2, err: err}
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runUpload(ctx context.Context, c *client.Client, args []string) error {
	flags := pflag.NewFlagSet("upload", pflag.ContinueOnError)
	category := flags.String("category", "", "文件分类")
	if err := parseFlags(flags, args); err != nil {
		return err
	}
	if flags.NArg() == 0 {
		return &exitError{code: 2, err: errors.New("upload 需要至少一个路径")}
	}

	var paths []string
	for _, root := range flags.Args() {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.Type().IsRegular() {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	failed := 0
	for _, path := range paths {
		entry, err := c.Upload(ctx, path, *category)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(os.Stderr, "%s: 上传失败: %v\n", path, err)
			failed++
			continue
		}
		fmt.Printf("%s -> id=%d %s %s sha256=%s\n", path, entry.ID, entry.Kind, humanize.IBytes(uint64(entry.Size)), entry.Checksum)
	}
	if failed > 0 {
		return fmt.Errorf("%d/%d 个文件上传失败", failed, len(paths))
	}
	return nil
}

func runGet(ctx context.Context, c *client.Client, args []string) error {
	flags := pflag.NewFlagSet("get", pflag.ContinueOnError)
	out := flags.StringP("output", "o", ".", "下载目录")
	if err := parseFlags(flags, args); err != nil {
		return err
	}
	if flags.NArg() == 0 {
		return &exitError{code: 2, err: errors.New("get 需要至少一个 ID 或文件名")}
	}

	var mismatched, failed int
	for _, arg := range flags.Args() {
		id := service.Identifier{Filename: arg}
		if n, err := strconv.ParseUint(arg, 10, 64); err == nil {
			id = service.Identifier{ID: uint(n)}
		}
		got, err := c.Download(ctx, id, *out)
		switch {
		case errors.Is(err, errs.ErrIntegrityMismatch):
			fmt.Fprintf(os.Stderr, "%s: 校验失败，文件已保留在 %s\n", arg, got.Path)
			mismatched++
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(os.Stderr, "%s: 下载失败: %v\n", arg, err)
			failed++
		default:
			fmt.Printf("%s -> %s (%s, sha256=%s) 校验通过\n", arg, got.Path, humanize.IBytes(uint64(got.Size)), got.Checksum)
		}
	}
	if mismatched > 0 {
		return &exitError{code: 3, err: fmt.Errorf("%d 个文件校验失败", mismatched)}
	}
	if failed > 0 {
		return fmt.Errorf("%d 个文件下载失败", failed)
	}
	return nil
}

func runList(ctx context.Context, c *client.Client, args []string) error {
	flags := pflag.NewFlagSet("list", pflag.ContinueOnError)
	category := flags.String("category", "", "只列出该分类")
	limit := flags.Int("limit", 0, "最多返回条数（0 表示服务端默认值）")
	if err := parseFlags(flags, args); err != nil {
		return err
	}
	files, err := c.List(ctx, *category, *limit)
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Printf("%6d  %-8s %10s  %-12s %s  %s\n", f.ID, f.Kind, humanize.IBytes(uint64(f.Size)), f.Category,
			humanize.Time(f.UploadTimestamp), f.Filename)
	}
	return nil
}

func runDelete(ctx context.Context, c *client.Client, args []string) error {
	flags := pflag.NewFlagSet("delete", pflag.ContinueOnError)
	id := flags.Uint("id", 0, "文件 ID")
	filename := flags.String("filename", "", "文件名")
	keep := flags.Bool("keep-file", false, "只删除元数据，保留磁盘上的文件")
	if err := parseFlags(flags, args); err != nil {
		return err
	}
	if *id == 0 && *filename == "" {
		return &exitError{code: 2, err: errors.New("delete 需要 --id 或 --filename")}
	}
	res, err := c.Delete(ctx, service.DeleteRequest{ID: *id, Filename: *filename, KeepFile: *keep})
	if err != nil {
		return err
	}
	for _, msg := range res.Messages {
		fmt.Println(msg)
	}
	return nil
}

func runVerify(ctx context.Context, c *client.Client, args []string) error {
	flags := pflag.NewFlagSet("verify", pflag.ContinueOnError)
	if err := parseFlags(flags, args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return &exitError{code: 2, err: errors.New("verify 需要一个本地文件路径")}
	}
	sum, err := c.VerifyFile(ctx, flags.Arg(0))
	if errors.Is(err, errs.ErrIntegrityMismatch) {
		return &exitError{code: 3, err: fmt.Errorf("%s 与服务端记录不一致 (sha256=%s)", flags.Arg(0), sum)}
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s 校验通过 (sha256=%s)\n", flags.Arg(0), sum)
	return nil
}

func runReconcile(ctx context.Context, c *client.Client, args []string) error {
	flags := pflag.NewFlagSet("reconcile", pflag.ContinueOnError)
	if err := parseFlags(flags, args); err != nil {
		return err
	}
	report, err := c.Reconcile(ctx)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func runSweep(ctx context.Context, c *client.Client, args []string) error {
	flags := pflag.NewFlagSet("sweep", pflag.ContinueOnError)
	ttl := flags.Float64("ttl-hours", -1, "清理早于该小时数的未完成上传（默认使用服务端配置）")
	if err := parseFlags(flags, args); err != nil {
		return err
	}
	res, err := c.Sweep(ctx, *ttl)
	if err != nil {
		return err
	}
	return printJSON(res)
}
