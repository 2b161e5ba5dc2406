package dataset

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	iface "YoloDataAug/interface"
	"YoloDataAug/label"
	"YoloDataAug/logger"

	"go.uber.org/zap"
)

// Rename records one pair moved by AssignSerialNames.
type Rename struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// AssignSerialNames renames every labelled pair of split to
// "{token}{sep}{NNNN}", taking the category index from the class id on the
// first line of the label. Serials count from 1 per category in label file
// order. Pairs with an empty label or a class id outside the token list are
// left as they are.
func AssignSerialNames(root string, split iface.Split, cats *Categories, log *zap.Logger) ([]Rename, error) {
	log = logger.Or(log)
	if cats == nil {
		cats = DefaultCategories()
	}
	imgDir := ImageDir(root, split)
	lblDir := LabelDir(root, split)
	if err := requireDir(lblDir); err != nil {
		return nil, err
	}

	images, err := ListFiles(imgDir)
	if err != nil {
		return nil, err
	}
	byStem := make(map[string]string, len(images))
	for _, n := range images {
		byStem[Stem(n)] = n
	}
	labels, err := ListFiles(lblDir)
	if err != nil {
		return nil, err
	}

	serials := make(map[int]int)
	var done []Rename
	for _, lblName := range labels {
		if filepath.Ext(lblName) != label.Ext {
			continue
		}
		lblPath := filepath.Join(lblDir, lblName)
		classID, ok, err := firstClassID(lblPath)
		if err != nil {
			return done, err
		}
		if !ok {
			continue
		}
		serials[classID]++
		newStem, ok := cats.SerialName(classID, serials[classID])
		if !ok {
			serials[classID]--
			log.Warn("class id has no category token", zap.String("label", lblPath), zap.Int("class", classID))
			continue
		}
		oldStem := Stem(lblName)
		if oldStem == newStem {
			continue
		}

		newLbl := label.Path(lblDir, newStem)
		if ok, err := exists(newLbl); err != nil || ok {
			if err == nil {
				err = fmt.Errorf("rename %s: %s already exists", lblPath, newLbl)
			}
			return done, err
		}
		if imgName, found := byStem[oldStem]; found {
			from := filepath.Join(imgDir, imgName)
			to := filepath.Join(imgDir, newStem+filepath.Ext(imgName))
			if ok, err := exists(to); err != nil || ok {
				if err == nil {
					err = fmt.Errorf("rename %s: %s already exists", from, to)
				}
				return done, err
			}
			if err := os.Rename(from, to); err != nil {
				return done, fmt.Errorf("rename %s: %w", from, err)
			}
			delete(byStem, oldStem)
			byStem[newStem] = filepath.Base(to)
			log.Info("renamed image", zap.String("from", from), zap.String("to", to))
		}
		if err := os.Rename(lblPath, newLbl); err != nil {
			return done, fmt.Errorf("rename %s: %w", lblPath, err)
		}
		done = append(done, Rename{From: oldStem, To: newStem})
	}
	return done, nil
}

func firstClassID(path string) (int, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false, fmt.Errorf("open label %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0, false, sc.Err()
	}
	fields := strings.Fields(sc.Text())
	if len(fields) == 0 {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || v < 0 || v != float64(int(v)) {
		return 0, false, &label.MalformedLabelError{Path: path, Line: 1, Reason: fmt.Sprintf("class id %q is not a non-negative integer", fields[0])}
	}
	return int(v), true, nil
}
