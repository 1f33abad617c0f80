package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"cmdrelay/internal/app"
	"cmdrelay/internal/core"
	"cmdrelay/internal/storage"
)

// Opener строит приложение по пути к конфигу.
type Opener func(ctx context.Context, configPath string) (*app.App, error)

// New создает корневую CLI-команду.
func New(version string, open Opener) *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "cmdrelay",
		Short:         "Диспетчер команд с сохранением результатов",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "путь к YAML-конфигу")

	withApp := func(cmd *cobra.Command, fn func(a *app.App) error) error {
		a, err := open(cmd.Context(), configPath)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(a)
	}

	root.AddCommand(newVersionCmd(version))
	root.AddCommand(newCommandsCmd(withApp))
	root.AddCommand(newRunCmd(withApp))
	root.AddCommand(newResultCmd(withApp))
	root.AddCommand(newResultsCmd(withApp))
	root.AddCommand(newServeCmd(withApp))

	return root
}

type appRunner func(cmd *cobra.Command, fn func(a *app.App) error) error

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Показать версию",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version)
		},
	}
}

func newCommandsCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "commands",
		Short: "Список зарегистрированных команд",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app.App) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tPARAMS\tDESCRIPTION")
				for _, def := range a.Dispatcher.Registry().Definitions() {
					params := make([]string, 0, len(def.Params))
					for _, p := range def.Params {
						name := p.Name
						if !p.Required {
							name = "[" + name + "]"
						}
						params = append(params, name)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", def.Name, strings.Join(params, " "), def.Description)
				}
				return w.Flush()
			})
		},
	}
}

func newRunCmd(withApp appRunner) *cobra.Command {
	var (
		session string
		params  []string
		data    []string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run <command>",
		Short: "Выполнить команду и показать сохраненный результат",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildRequest(args[0], session, params, data)
			if err != nil {
				return err
			}
			return withApp(cmd, func(a *app.App) error {
				if timeout <= 0 {
					timeout = time.Duration(a.Config.Commands.TimeoutMS) * time.Millisecond
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				defer cancel()

				resp := core.Response{Status: "ok"}
				c, runErr := a.Dispatcher.Dispatch(ctx, req)
				if c != nil {
					info := c.Info()
					resp.Command = &info
				}
				if runErr != nil {
					resp.Status = "error"
					resp.ErrorCode = core.ErrorCode(runErr)
					_ = printJSON(cmd, resp)
					return runErr
				}
				rec, err := a.Store.GetResult(ctx, c.ID())
				if err != nil {
					return err
				}
				resp.Result = &rec
				return printJSON(cmd, resp)
			})
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "ID сессии")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "параметр name=value (повторяемый)")
	cmd.Flags().StringArrayVar(&data, "data", nil, "начальное значение datastore key=value (повторяемый)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "таймаут выполнения")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newResultCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "result <command-id>",
		Short: "Показать запись результата команды",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app.App) error {
				rec, err := a.Store.GetResult(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, rec)
			})
		},
	}
}

func newResultsCmd(withApp appRunner) *cobra.Command {
	var q storage.ResultQuery
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Последние записи результатов",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app.App) error {
				items, err := a.Store.ListResults(cmd.Context(), q)
				if err != nil {
					return err
				}
				if items == nil {
					items = []core.Result{}
				}
				return printJSON(cmd, items)
			})
		},
	}
	cmd.Flags().StringVarP(&q.SessionID, "session", "s", "", "фильтр по сессии")
	cmd.Flags().StringVar(&q.Command, "command", "", "фильтр по имени команды")
	cmd.Flags().IntVarP(&q.Limit, "limit", "n", storage.DefaultLimit, "максимум записей")
	return cmd
}

func newServeCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Запустить транспорты и задачи обслуживания",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)
			return withApp(cmd, func(a *app.App) error {
				return a.Serve(ctx)
			})
		},
	}
}

// buildRequest собирает запрос из флагов; значения CLI всегда строки.
func buildRequest(command, session string, params, data []string) (core.Request, error) {
	req := core.Request{Command: command, SessionID: session}
	for _, kv := range params {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return core.Request{}, fmt.Errorf("--param %q: expected name=value", kv)
		}
		req.Params = append(req.Params, core.Param{Name: name, Value: core.StringValue(value)})
	}
	for _, kv := range data {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return core.Request{}, fmt.Errorf("--data %q: expected key=value", kv)
		}
		if req.Data == nil {
			req.Data = make(map[string]core.Value)
		}
		req.Data[key] = core.StringValue(value)
	}
	return req, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
