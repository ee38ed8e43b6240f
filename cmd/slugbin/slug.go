package main

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"slugbin/cfg"
	"slugbin/pkg/slug"
)

var slugStrategy string

var slugCmd = &cobra.Command{
	Use:   "slug",
	Short: "Encode paste IDs to slugs and back with the configured codec",
}

var slugEncodeCmd = &cobra.Command{
	Use:   "encode <id>...",
	Short: "Print the slug for each ID",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		codec, err := configuredCodec()
		if err != nil {
			return err
		}
		for _, arg := range args {
			id, err := strconv.ParseUint(arg, 10, 64)
			if err != nil {
				return errors.Errorf("invalid id %q", arg)
			}
			fmt.Fprintln(cmd.OutOrStdout(), codec.Encode(id))
		}
		return nil
	},
}

var slugDecodeCmd = &cobra.Command{
	Use:   "decode <slug>...",
	Short: "Print the ID each slug decodes to",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		codec, err := configuredCodec()
		if err != nil {
			return err
		}
		for _, arg := range args {
			id, ok := codec.Decode(arg)
			if !ok {
				return errors.Errorf("%q is not a slug under the %s strategy", arg, codec.Strategy())
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

func init() {
	slugCmd.PersistentFlags().StringVar(&slugStrategy, "strategy", "", "override SLUG_STRATEGY (hashids or animal)")
	slugCmd.AddCommand(slugEncodeCmd, slugDecodeCmd)
}

func configuredCodec() (slug.Codec, error) {
	c, err := cfg.Load()
	if err != nil {
		return nil, err
	}
	if slugStrategy != "" {
		c.Slug.Strategy = slugStrategy
	}
	return newCodec(c)
}

func newCodec(c *cfg.Cfg) (slug.Codec, error) {
	strategy, err := slug.ParseStrategy(c.Slug.Strategy)
	if err != nil {
		return nil, err
	}
	return slug.New(strategy, slug.Options{
		Salt:       c.Slug.Salt,
		MinLength:  c.Slug.MinLength,
		Vocabulary: c.Slug.Vocabulary,
	})
}
