package dataset

import (
	"fmt"
	"path/filepath"
	"strings"

	iface "YoloDataAug/interface"
	"YoloDataAug/label"
)

type Counts struct {
	TrainImages int `json:"trainImages"`
	TrainLabels int `json:"trainLabels"`
	ValImages   int `json:"valImages"`
	ValLabels   int `json:"valLabels"`
}

// Summary holds per-category file counts of one dataset tree.
type Summary struct {
	Root       string            `json:"root"`
	Categories []string          `json:"categories"`
	Counts     map[string]Counts `json:"counts"`
}

// Summarize counts category files in the train and val leaf directories of
// root. It only reads; missing directories count as empty.
func Summarize(root string, cats *Categories) (Summary, error) {
	if cats == nil {
		cats = DefaultCategories()
	}
	s := Summary{
		Root:       root,
		Categories: cats.Tokens(),
		Counts:     make(map[string]Counts, len(cats.Tokens())),
	}
	for _, t := range s.Categories {
		s.Counts[t] = Counts{}
	}

	tally := func(dir string, labelsOnly bool, set func(c *Counts)) error {
		names, err := ListFiles(dir)
		if err != nil {
			return err
		}
		for _, n := range names {
			if labelsOnly && filepath.Ext(n) != label.Ext {
				continue
			}
			key, ok := cats.Key(n)
			if !ok {
				continue
			}
			c := s.Counts[key]
			set(&c)
			s.Counts[key] = c
		}
		return nil
	}

	steps := []struct {
		dir        string
		labelsOnly bool
		set        func(c *Counts)
	}{
		{ImageDir(root, iface.SplitTrain), false, func(c *Counts) { c.TrainImages++ }},
		{LabelDir(root, iface.SplitTrain), true, func(c *Counts) { c.TrainLabels++ }},
		{ImageDir(root, iface.SplitVal), false, func(c *Counts) { c.ValImages++ }},
		{LabelDir(root, iface.SplitVal), true, func(c *Counts) { c.ValLabels++ }},
	}
	for _, st := range steps {
		if err := tally(st.dir, st.labelsOnly, st.set); err != nil {
			return s, err
		}
	}
	return s, nil
}

// Lines renders one line per category in declaration order.
func (s Summary) Lines() []string {
	lines := make([]string, 0, len(s.Categories))
	for _, t := range s.Categories {
		c := s.Counts[t]
		lines = append(lines, fmt.Sprintf("%s: Images (Train | Val) = %d | %d, Labels (Train | Val) = %d | %d",
			t, c.TrainImages, c.ValImages, c.TrainLabels, c.ValLabels))
	}
	return lines
}

func (s Summary) String() string {
	return fmt.Sprintf("Dataset Summary for %s:\n%s", s.Root, strings.Join(s.Lines(), "\n"))
}
