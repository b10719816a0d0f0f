package loader

import (
	"os"

	"gopkg.in/yaml.v3"

	"taskforge/internal"
)

type TasksFile struct {
	Tasks []internal.TaskSpec `yaml:"tasks"`
}

func LoadTasks(path string) ([]internal.TaskSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var tf TasksFile
	if err := yaml.NewDecoder(f).Decode(&tf); err != nil {
		return nil, err
	}
	return tf.Tasks, nil
}
